package payroll

import (
	"context"
	"fmt"
	"strings"
)

// URLIssuer issues deterministic document URLs under BaseURL. The
// documents themselves are rendered on demand by whoever serves them.
type URLIssuer struct {
	BaseURL string
}

var _ ArtifactIssuer = URLIssuer{}

func (u URLIssuer) Issue(_ context.Context, run Run, lines []Line) (Artifacts, error) {
	base := strings.TrimRight(u.BaseURL, "/")
	a := Artifacts{
		RunReference: fmt.Sprintf("%s/runs/%s/document", base, run.ID),
		PerLine:      make(map[LineID]string, len(lines)),
	}
	for _, l := range lines {
		a.PerLine[l.ID] = fmt.Sprintf("%s/runs/%s/vouchers/%s", base, run.ID, l.ID)
	}
	return a, nil
}
