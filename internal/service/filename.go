package service

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxFilenameRunes = 100

// AttachmentName turns a title into "<title>.pdf". Diacritics on Latin letters are
// stripped ("Bài mới" -> "Bai moi.pdf"); other scripts are kept as they are. A title
// with nothing left falls back to "<fallback>.pdf".
func AttachmentName(title, fallback string) string {
	s := norm.NFC.String(stripLatinMarks(norm.NFD.String(title)))

	var b strings.Builder
	lastSpace := false
	n := 0

	for _, r := range s {
		if n >= maxFilenameRunes {
			break
		}

		switch {
		case r == 'đ':
			r = 'd'
		case r == 'Đ':
			r = 'D'
		case unicode.IsSpace(r):
			r = ' '
		case unicode.IsControl(r), r == unicode.ReplacementChar:
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r):
			r = '_'
		}

		if r == ' ' {
			if lastSpace || b.Len() == 0 {
				continue
			}
			lastSpace = true
		} else {
			lastSpace = false
		}

		b.WriteRune(r)
		n++
	}

	name := strings.Trim(b.String(), " .")
	if name == "" {
		name = fallback
	}

	return name + ".pdf"
}

// stripLatinMarks drops combining marks that follow a Latin base letter. Marks on
// other scripts carry meaning (й is и plus a breve) and stay.
func stripLatinMarks(decomposed string) string {
	var b strings.Builder
	latinBase := false

	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			if latinBase {
				continue
			}
		} else {
			latinBase = unicode.Is(unicode.Latin, r)
		}

		b.WriteRune(r)
	}

	return b.String()
}
