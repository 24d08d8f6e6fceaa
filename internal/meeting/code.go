package meeting

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// codeAlphabet deliberately drops glyphs that are easy to misread when a
// meeting code is dictated over a call (0/O, 1/I/L).
const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// maxCodeAttempts bounds the collision retry loop. With a 31^6 code space
// this only trips when the registry is absurdly full, and then it is a bug
// worth surfacing rather than spinning on.
const maxCodeAttempts = 64

// newCode generates a meeting code, retrying until taken reports the code as
// unused.
func newCode(taken func(string) bool) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := gonanoid.Generate(codeAlphabet, codeLength)
		if err != nil {
			return "", fmt.Errorf("generate meeting code: %w", err)
		}
		if !taken(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate meeting code: no unused code after %d attempts", maxCodeAttempts)
}
