package scanning

import (
	"context"
	"errors"
	"fmt"
	"os"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/zombor/invoice-bridge/internal/upstream"
)

const visionOp = "vision annotate"

// Vision implements the Recognizer interface using Google Cloud Vision
// document text detection
type Vision struct {
	client *vision.ImageAnnotatorClient
}

// NewVision creates a Vision recognizer. credentialsFile is optional; without
// it application default credentials are used.
func NewVision(ctx context.Context, credentialsFile string) (*Vision, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating vision client: %w", err)
	}
	return &Vision{client: client}, nil
}

// Recognize reads the image at imagePath and annotates it. outBase is unused.
func (v *Vision) Recognize(ctx context.Context, imagePath, _ string) (string, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", fmt.Errorf("reading image: %w", err)
	}

	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image:    &visionpb.Image{Content: data},
				Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			},
		},
	}

	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return "", upstream.Unavailable(visionOp, err)
	}
	if len(resp.GetResponses()) == 0 {
		return "", upstream.Malformed(visionOp, errors.New("empty annotate response"))
	}

	result := resp.GetResponses()[0]
	if status := result.GetError(); status != nil && status.GetCode() != 0 {
		return "", upstream.Rejected(visionOp, int(status.GetCode()), status.GetMessage())
	}

	return normalizeOCRText(result.GetFullTextAnnotation().GetText()), nil
}

// Close closes the Vision client
func (v *Vision) Close() error {
	return v.client.Close()
}
