package cloudinary

import (
	"context"
	"fmt"
	"io"

	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/cloudinary/cloudinary-go/v2/config"
)

// Client uploads transfer receipts and builds delivery URLs for static images such as the
// bank-transfer QR code.
type Client interface {
	UploadReceipt(ctx context.Context, file io.Reader, folder, publicID string) (url string, err error)
	ImageURL(publicID string, width int) string
}

// Optimized image params for fast frontend loading
const (
	ImageWidth   = 800
	QRImageWidth = 480
)

// BuildOptimizedImageURL returns a Cloudinary URL with transformations for optimized delivery.
func BuildOptimizedImageURL(cloudName, publicID string, width int) string {
	if width <= 0 {
		width = ImageWidth
	}
	return fmt.Sprintf("https://res.cloudinary.com/%s/image/upload/q_auto,f_auto,w_%d,c_fit/%s",
		cloudName, width, publicID)
}

// Receipts are kept full-size; the eager copy is only a preview for operators.
const receiptEager = "q_auto,f_auto,w_800,c_limit"

var eagerAsyncFalse = false

type clientImpl struct {
	cloudName string
	uploader  *uploader.API
}

func (c *clientImpl) UploadReceipt(ctx context.Context, file io.Reader, folder, publicID string) (string, error) {
	result, err := c.uploader.Upload(ctx, file, uploader.UploadParams{
		Folder:     folder,
		PublicID:   publicID,
		Eager:      receiptEager,
		EagerAsync: &eagerAsyncFalse,
	})
	if err != nil {
		return "", err
	}
	return result.SecureURL, nil
}

func (c *clientImpl) ImageURL(publicID string, width int) string {
	return BuildOptimizedImageURL(c.cloudName, publicID, width)
}

// URLOnly builds delivery URLs without upload credentials. Uploads fail with an error.
type URLOnly struct {
	CloudName string
}

func (u URLOnly) UploadReceipt(context.Context, io.Reader, string, string) (string, error) {
	return "", fmt.Errorf("cloudinary: uploads not configured")
}

func (u URLOnly) ImageURL(publicID string, width int) string {
	return BuildOptimizedImageURL(u.CloudName, publicID, width)
}

// NewClientFromParams builds a Client from Cloudinary cloud name, API key, and secret.
func NewClientFromParams(cloudName, apiKey, apiSecret string) (Client, error) {
	cfg, err := config.NewFromParams(cloudName, apiKey, apiSecret)
	if err != nil {
		return nil, err
	}
	up, err := uploader.NewWithConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	return &clientImpl{
		cloudName: cloudName,
		uploader:  up,
	}, nil
}
