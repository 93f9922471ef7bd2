package segment

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/jmehdipour/sms-broadcast/internal/util"
	"go.uber.org/zap"
)

// FromFile reads phone numbers from the first column of a CSV file. Rows that do not
// normalize to a phone number (headers, blanks) are skipped, duplicates collapse, and
// unsubscribed or excluded authors are removed.
func (r *Resolver) FromFile(ctx context.Context, path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recipient file: %w", err)
	}
	defer f.Close()

	phones, skipped, err := readPhones(f, r.defaultCC)
	if err != nil {
		return nil, fmt.Errorf("read recipient file %s: %w", path, err)
	}
	if skipped > 0 {
		r.log.Info("recipient file rows skipped", zap.String("path", path), zap.Int("skipped", skipped))
	}

	blocked, err := r.authors.Blocked(ctx, phones)
	if err != nil {
		return nil, fmt.Errorf("check blocked authors: %w", err)
	}
	out := phones[:0]
	for _, p := range phones {
		if !blocked[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

func readPhones(src io.Reader, defaultCC string) ([]string, int, error) {
	rd := csv.NewReader(src)
	rd.FieldsPerRecord = -1
	rd.TrimLeadingSpace = true

	var (
		phones  []string
		skipped int
	)
	seen := make(map[string]struct{})
	for {
		rec, err := rd.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, err
		}
		if len(rec) == 0 {
			continue
		}
		p := util.NormalizePhone(rec[0], defaultCC)
		if p == "" {
			skipped++
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		phones = append(phones, p)
	}
	return phones, skipped, nil
}
