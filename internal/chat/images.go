package chat

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/suPer8Hu/projectchat/internal/ai"
	"github.com/suPer8Hu/projectchat/internal/common"
)

// DefaultImagePrompt replaces an empty message sent with images only.
const DefaultImagePrompt = "Please describe and analyze the attached image(s)."

var dataURLPattern = regexp.MustCompile(`^data:image/(png|jpe?g|gif|webp);base64,(.+)$`)

// ImageInput is one attachment as posted by the browser.
type ImageInput struct {
	DataURL string `json:"dataUrl"`
	Name    string `json:"name"`
	Type    string `json:"type"`
}

// ParseImages validates every attachment. Any invalid image rejects the
// whole request.
func ParseImages(in []ImageInput, maxBytes int64, maxCount int) ([]ai.Image, []ImageRef, error) {
	if len(in) == 0 {
		return nil, nil, nil
	}
	if maxCount > 0 && len(in) > maxCount {
		return nil, nil, common.NewUserError(fmt.Sprintf("Too many images. At most %d images can be attached.", maxCount))
	}

	images := make([]ai.Image, 0, len(in))
	refs := make([]ImageRef, 0, len(in))
	for i, img := range in {
		label := strings.TrimSpace(img.Name)
		if label == "" {
			label = fmt.Sprintf("image %d", i+1)
		}

		m := dataURLPattern.FindStringSubmatch(strings.TrimSpace(img.DataURL))
		if m == nil {
			return nil, nil, common.NewUserError(fmt.Sprintf("Invalid image format for %s. Use PNG, JPEG, GIF or WebP.", label))
		}
		subtype := m[1]
		if subtype == "jpg" {
			subtype = "jpeg"
		}
		payload := m[2]

		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, nil, common.WrapUserError(fmt.Sprintf("Invalid image data for %s.", label), err)
		}
		if maxBytes > 0 && int64(len(raw)) > maxBytes {
			return nil, nil, common.NewUserError(fmt.Sprintf("Image %s is too large. The limit is %d MB.", label, maxBytes>>20))
		}

		mediaType := "image/" + subtype
		images = append(images, ai.Image{Name: label, MediaType: mediaType, Data: payload})
		refs = append(refs, ImageRef{Name: label, Type: mediaType, Size: len(raw)})
	}
	return images, refs, nil
}
