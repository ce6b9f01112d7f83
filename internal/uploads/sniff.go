package uploads

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
)

// detectedContainers maps detected MIME types to the containers the
// encoder accepts.
var detectedContainers = map[string]string{
	"video/mp4":        "mp4",
	"video/x-msvideo":  "avi",
	"video/x-matroska": "matroska",
}

// executableTypes are rejected with a distinct reason so operators can tell
// a disguised binary from a merely unsupported file.
var executableTypes = map[string]struct{}{
	"application/x-elf":                             {},
	"application/x-executable":                      {},
	"application/x-sharedlib":                       {},
	"application/x-mach-binary":                     {},
	"application/vnd.microsoft.portable-executable": {},
	"application/x-msdownload":                      {},
	"text/x-shellscript":                            {},
}

// classify returns the container for a detected type, walking up the
// detection tree so subtypes resolve to their family.
func classify(detected *mimetype.MIME) (string, error) {
	for m := detected; m != nil; m = m.Parent() {
		if _, ok := executableTypes[m.String()]; ok {
			return "", fmt.Errorf("%w: executable content (%s)", ErrInvalidContent, detected.String())
		}
		if container, ok := detectedContainers[m.String()]; ok {
			return container, nil
		}
	}
	return "", fmt.Errorf("%w: detected %s", ErrInvalidContent, detected.String())
}
