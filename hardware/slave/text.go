package slave

import (
	"strings"
	"unicode/utf8"

	"github.com/juju/errors"
	"github.com/paulrosania/go-charset/charset"
	_ "github.com/paulrosania/go-charset/data"
)

// textCodec converts lichtkrant text between UTF-8 and display codepage.
// nil codec passes text unchanged.
type textCodec struct {
	cp string
}

func newTextCodec(cp string) (*textCodec, error) {
	switch strings.ToLower(cp) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	if _, err := charset.TranslatorTo(cp); err != nil {
		return nil, errors.Annotatef(err, "codepage=%s", cp)
	}
	if _, err := charset.TranslatorFrom(cp); err != nil {
		return nil, errors.Annotatef(err, "codepage=%s", cp)
	}
	return &textCodec{cp: cp}, nil
}

func (c *textCodec) encode(s string) (string, error) {
	if c == nil {
		return s, nil
	}
	tr, err := charset.TranslatorTo(c.cp)
	if err != nil {
		return "", errors.Trace(err)
	}
	return translate(tr, s)
}

func (c *textCodec) decode(s string) (string, error) {
	if c == nil {
		return s, nil
	}
	tr, err := charset.TranslatorFrom(c.cp)
	if err != nil {
		return "", errors.Trace(err)
	}
	return translate(tr, s)
}

func translate(tr charset.Translator, s string) (string, error) {
	_, b, err := tr.Translate([]byte(s), true)
	if err != nil {
		return "", errors.Annotate(err, "translate")
	}
	// translator reuses internal buffer
	return string(b), nil
}

// truncateText cuts s to at most n bytes on a rune boundary.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
