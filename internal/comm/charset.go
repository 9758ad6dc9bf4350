package comm

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// CharsetByName resolves the per-port response encoding. Some older
// instruments answer id/status queries in a legacy 8-bit charset.
func CharsetByName(name string) (encoding.Encoding, error) {
	switch name {
	case "", "ascii", "utf-8":
		return nil, nil
	case "windows-1251":
		return charmap.Windows1251, nil
	case "iso-8859-1", "latin-1":
		return charmap.ISO8859_1, nil
	case "iso-8859-5":
		return charmap.ISO8859_5, nil
	}
	return nil, fmt.Errorf("unknown encoding %q", name)
}
