package extract

import (
	"os/exec"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// OCREngine recognizes text in a rendered page image. languages is a
// tesseract language list such as "por+eng".
type OCREngine interface {
	Recognize(image []byte, languages string) (string, error)
}

// gosseractEngine runs tesseract through gosseract, one client per call.
type gosseractEngine struct{}

func (gosseractEngine) Recognize(image []byte, languages string) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()
	if languages != "" {
		if err := client.SetLanguage(strings.Split(languages, "+")...); err != nil {
			return "", err
		}
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return "", err
	}
	return client.Text()
}

// OCRAvailable reports whether the tesseract runtime is installed.
func OCRAvailable() bool {
	_, err := exec.LookPath("tesseract")
	return err == nil
}
