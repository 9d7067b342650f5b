package render

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"

	"github.com/psantana5/qrbatch/pkg/models"
	qrcode "github.com/skip2/go-qrcode"
)

var (
	ErrEmptyPayload  = errors.New("payload is empty")
	ErrInvalidOption = errors.New("invalid design option")
	ErrEncode        = errors.New("payload cannot be encoded")
)

// Renderer turns one work item into PNG bytes. Implementations must be safe
// for concurrent use; a failure is reported per item and never aborts a job.
type Renderer interface {
	Render(ctx context.Context, item models.WorkItem, opts models.JobOptions) ([]byte, error)
}

// RendererFunc adapts a function to Renderer
type RendererFunc func(ctx context.Context, item models.WorkItem, opts models.JobOptions) ([]byte, error)

func (f RendererFunc) Render(ctx context.Context, item models.WorkItem, opts models.JobOptions) ([]byte, error) {
	return f(ctx, item, opts)
}

// QRRenderer renders QR codes with skip2/go-qrcode
type QRRenderer struct{}

// NewQRRenderer returns the production renderer
func NewQRRenderer() *QRRenderer {
	return &QRRenderer{}
}

// Render encodes the item payload for the job type and draws it as PNG
func (r *QRRenderer) Render(ctx context.Context, item models.WorkItem, opts models.JobOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.WithDefaults()

	content, err := Content(opts.Type, item.Payload)
	if err != nil {
		return nil, err
	}

	level, err := recoveryLevel(opts.Design.RecoveryLevel)
	if err != nil {
		return nil, err
	}
	fg, err := ParseHexColor(opts.Design.Foreground)
	if err != nil {
		return nil, err
	}
	bg, err := ParseHexColor(opts.Design.Background)
	if err != nil {
		return nil, err
	}

	code, err := qrcode.New(content, level)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	code.ForegroundColor = fg
	code.BackgroundColor = bg
	code.DisableBorder = opts.Design.DisableBorder

	png, err := code.PNG(opts.Design.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return png, nil
}

// Content builds the string encoded into the symbol for a QR type
func Content(qrType, payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", ErrEmptyPayload
	}

	switch qrType {
	case "", "url", "text":
		return payload, nil
	case "email":
		if strings.HasPrefix(strings.ToLower(payload), "mailto:") {
			return payload, nil
		}
		return "mailto:" + payload, nil
	case "phone":
		if strings.HasPrefix(strings.ToLower(payload), "tel:") {
			return payload, nil
		}
		return "tel:" + payload, nil
	case "wifi":
		if strings.HasPrefix(payload, "WIFI:") {
			return payload, nil
		}
		return "WIFI:S:" + escapeWifi(payload) + ";;", nil
	case "vcard":
		if !strings.HasPrefix(payload, "BEGIN:VCARD") {
			return "BEGIN:VCARD\nVERSION:3.0\nFN:" + payload + "\nEND:VCARD", nil
		}
		return payload, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidOption, qrType)
	}
}

func escapeWifi(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)
	return r.Replace(s)
}

func recoveryLevel(level string) (qrcode.RecoveryLevel, error) {
	switch strings.ToUpper(level) {
	case "L":
		return qrcode.Low, nil
	case "", "M":
		return qrcode.Medium, nil
	case "Q":
		return qrcode.High, nil
	case "H":
		return qrcode.Highest, nil
	default:
		return qrcode.Medium, fmt.Errorf("%w: recovery level %q", ErrInvalidOption, level)
	}
}

// ParseHexColor parses #rgb or #rrggbb
func ParseHexColor(s string) (color.Color, error) {
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return nil, fmt.Errorf("%w: colour %q", ErrInvalidOption, s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: colour %q", ErrInvalidOption, s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
