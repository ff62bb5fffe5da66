package render

import (
	"fmt"
	"strconv"
	"strings"
	"testing"
)

// buildPDF assembles a minimal but structurally valid PDF with one page per
// entry in sizes. A nil entry omits the page's MediaBox so it inherits the
// one on the Pages node.
func buildPDF(t *testing.T, pagesBox string, sizes []*[2]float64) []byte {
	t.Helper()

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")
	offsets := map[int]int{}

	kids := make([]string, len(sizes))
	for i := range sizes {
		kids[i] = fmt.Sprintf("%d 0 R", 3+i)
	}

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [" + strings.Join(kids, " ") + "] /Count " +
		strconv.Itoa(len(sizes)))
	if pagesBox != "" {
		b.WriteString(" /MediaBox " + pagesBox)
	}
	b.WriteString(" >>\nendobj\n")

	for i, size := range sizes {
		num := 3 + i
		offsets[num] = b.Len()
		b.WriteString(strconv.Itoa(num) + " 0 obj\n<< /Type /Page /Parent 2 0 R")
		if size != nil {
			fmt.Fprintf(&b, " /MediaBox [0 0 %g %g]", size[0], size[1])
		}
		b.WriteString(" >>\nendobj\n")
	}

	maxObj := 2 + len(sizes)
	xrefStart := b.Len()
	b.WriteString("xref\n0 " + strconv.Itoa(maxObj+1) + "\n")
	b.WriteString(pad10(0) + " 65535 f \n")
	for i := 1; i <= maxObj; i++ {
		b.WriteString(pad10(offsets[i]) + " 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size " + strconv.Itoa(maxObj+1) + " /Root 1 0 R >>\n")
	b.WriteString("startxref\n" + strconv.Itoa(xrefStart) + "\n%%EOF\n")

	return []byte(b.String())
}

func pad10(n int) string {
	s := strconv.Itoa(n)
	if len(s) >= 10 {
		return s
	}
	return strings.Repeat("0", 10-len(s)) + s
}
