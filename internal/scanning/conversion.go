package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"net/http"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// invoiceScanPrompt is the fixed instruction sent with every invoice image
const invoiceScanPrompt = `You are an accounting assistant. Analyze this invoice image and extract the following fields:

1. "seller": the full name of the company that issued (sold on) the invoice.
2. "issue_date": the date the invoice was issued, in YYYY-MM-DD format.
3. "gross_amount": the total gross amount to pay, as a number using "." as the decimal separator.

Return ONLY a JSON object in exactly this shape:
{
  "seller": "Company Name",
  "issue_date": "YYYY-MM-DD",
  "gross_amount": 0.00
}

If you cannot find a field, use null for that field.
Do not include any text before or after the JSON and do not use markdown code blocks.`

// Image is a normalized raster image ready to be sent to a model
type Image struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// pdfToImage renders the first page of a PDF
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	// Only the first page is used, invoices are summarized there
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// decodeImage decodes raster formats, including HEIC which the standard image package lacks
func decodeImage(imageData []byte, mimeType string) (image.Image, error) {
	if isHEICFormat(imageData) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(imageData))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	brand := string(data[8:12])
	return brand == "heic" || brand == "heif" || brand == "mif1" || brand == "msf1"
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// normalizeMIMEType lower-cases the declared type, sniffing the content when none was given
func normalizeMIMEType(data []byte, contentType string) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
		if i := strings.Index(mimeType, ";"); i >= 0 {
			mimeType = mimeType[:i]
		}
	}
	return mimeType
}

// Normalize converts an uploaded artifact into a single PNG image.
// PDFs are rendered from their first page only; everything else is decoded as a raster image.
// Any failure is reported as ErrUnreadableArtifact.
func Normalize(data []byte, contentType string) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrUnreadableArtifact)
	}

	mimeType := normalizeMIMEType(data, contentType)

	var (
		img image.Image
		err error
	)
	if mimeType == "application/pdf" {
		img, err = pdfToImage(data)
	} else {
		img, err = decodeImage(data, mimeType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableArtifact, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: encoding PNG: %w", ErrUnreadableArtifact, err)
	}

	bounds := img.Bounds()
	return &Image{
		Data:     buf.Bytes(),
		MIMEType: "image/png",
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}, nil
}
