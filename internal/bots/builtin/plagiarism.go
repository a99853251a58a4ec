package builtin

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jimdaga/colloquium/internal/bots"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/streams"
)

// PlagiarismID is the similarity checker's bot id
const PlagiarismID = "plagiarism"

const (
	defaultThreshold   = 0.3
	defaultShingleSize = 5
	fingerprintField   = "fingerprint"
	checkedFileField   = "last_file_id"
)

// Plagiarism scans the latest manuscript file for repeated passages and
// reports how much changed since the previous revision it saw.
func Plagiarism() bots.Definition {
	return bots.Definition{
		ID: PlagiarismID,
		Commands: map[string]bots.Command{
			"check": {
				Handler: func(ctx context.Context, inv *bots.Invocation) (*bots.Result, error) {
					cfg := inv.Config
					if t := inv.Params["threshold"]; t != "" {
						cfg = withOverride(cfg, "threshold", t)
					}
					return runSimilarity(ctx, inv.Toolkit, cfg, 0)
				},
				Async: true,
				Help:  "scan the latest manuscript file: threshold=0.3",
			},
		},
		Events: map[string]bots.EventHandler{
			streams.EventFileUploaded: func(ctx context.Context, inv *bots.EventInvocation) (*bots.Result, error) {
				fileID, _ := payloadUint(inv.Payload, "fileId")
				return runSimilarity(ctx, inv.Toolkit, inv.Config, fileID)
			},
		},
	}
}

func withOverride(cfg map[string]any, key, value string) map[string]any {
	out := make(map[string]any, len(cfg)+1)
	for k, v := range cfg {
		out[k] = v
	}
	out[key] = value
	return out
}

// SimilarityReport summarizes one scan
type SimilarityReport struct {
	FileID       uint
	Filename     string
	Shingles     int
	Repeated     int
	Ratio        float64
	ChangedRatio float64
	HasPrevious  bool
	Threshold    float64
	ThresholdHit bool
	fingerprint  map[uint64]bool
}

func runSimilarity(ctx context.Context, tk *bots.Toolkit, cfg map[string]any, fileID uint) (*bots.Result, error) {
	files, err := tk.Files(ctx)
	if err != nil {
		return nil, err
	}
	file := pickFile(files, fileID)
	if file == nil {
		if fileID != 0 {
			// Uploads of reports and supplements are not scanned
			return &bots.Result{}, nil
		}
		return &bots.Result{
			Messages: []bots.OutgoingMessage{{Content: "No manuscript file to scan yet.", Privacy: models.PrivacyEditorOnly}},
		}, nil
	}
	if !utf8.Valid(file.Content) {
		return &bots.Result{
			Errors:   []string{fmt.Sprintf("%s is not a text file", file.Filename)},
			Messages: []bots.OutgoingMessage{{Content: fmt.Sprintf("Cannot scan %s: only text files are supported.", file.Filename), Privacy: models.PrivacyEditorOnly, IsError: true}},
		}, nil
	}

	size := int(configFloat(cfg, "shingle_size", defaultShingleSize))
	report := Analyze(string(file.Content), size)
	report.FileID = file.ID
	report.Filename = file.Filename
	report.Threshold = configFloat(cfg, "threshold", defaultThreshold)
	report.ThresholdHit = report.Ratio > report.Threshold

	previous, hasPrevious, err := tk.StorageGet(ctx, fingerprintField)
	if err != nil {
		return nil, err
	}
	if hasPrevious {
		report.HasPrevious = true
		report.ChangedRatio = changedRatio(report.fingerprint, decodeFingerprint(previous))
	}
	if err := tk.StorageSet(ctx, fingerprintField, encodeFingerprint(report.fingerprint)); err != nil {
		return nil, err
	}
	if err := tk.StorageSet(ctx, checkedFileField, strconv.FormatUint(uint64(file.ID), 10)); err != nil {
		return nil, err
	}

	summary := report.Summary()
	if _, err := tk.UploadFile(ctx, bots.FileUpload{
		Filename:    fmt.Sprintf("similarity-report-%d.txt", file.ID),
		ContentType: "text/plain",
		Kind:        models.FileKindReport,
		Content:     []byte(summary),
	}); err != nil {
		return nil, err
	}

	res := &bots.Result{
		Messages: []bots.OutgoingMessage{{Content: summary, Privacy: models.PrivacyEditorOnly}},
		Output: map[string]any{
			"fileId":       file.ID,
			"ratio":        report.Ratio,
			"changedRatio": report.ChangedRatio,
			"threshold":    report.Threshold,
		},
	}
	if report.ThresholdHit {
		res.Errors = append(res.Errors, fmt.Sprintf("similarity %.2f exceeds threshold %.2f", report.Ratio, report.Threshold))
	}
	return res, nil
}

// pickFile returns the file with id fileID, or the newest manuscript file
// when fileID is zero. Only manuscript files are scanned.
func pickFile(files []models.ManuscriptFile, fileID uint) *models.ManuscriptFile {
	for i := range files {
		f := &files[i]
		if f.Kind != "manuscript" {
			continue
		}
		if fileID == 0 || f.ID == fileID {
			return f
		}
	}
	return nil
}

// Analyze shingles text into word n-grams and measures how many of them
// occur more than once
func Analyze(text string, size int) SimilarityReport {
	if size < 1 {
		size = defaultShingleSize
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	report := SimilarityReport{fingerprint: make(map[uint64]bool)}
	if len(words) < size {
		return report
	}

	counts := make(map[uint64]int)
	for i := 0; i+size <= len(words); i++ {
		h := fnv.New64a()
		h.Write([]byte(strings.Join(words[i:i+size], " ")))
		sum := h.Sum64()
		counts[sum]++
		report.fingerprint[sum] = true
		report.Shingles++
	}
	for _, n := range counts {
		if n > 1 {
			report.Repeated += n
		}
	}
	if report.Shingles > 0 {
		report.Ratio = float64(report.Repeated) / float64(report.Shingles)
	}
	return report
}

// Summary renders the report for editors
func (r SimilarityReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Similarity scan of %s: %d of %d passages repeat (%.0f%%, threshold %.0f%%).",
		r.Filename, r.Repeated, r.Shingles, r.Ratio*100, r.Threshold*100)
	if r.HasPrevious {
		fmt.Fprintf(&b, " %.0f%% changed since the previous scan.", r.ChangedRatio*100)
	}
	if r.ThresholdHit {
		b.WriteString(" Flagged for editorial review.")
	}
	return b.String()
}

func changedRatio(current, previous map[uint64]bool) float64 {
	if len(current) == 0 {
		return 0
	}
	changed := 0
	for h := range current {
		if !previous[h] {
			changed++
		}
	}
	return float64(changed) / float64(len(current))
}

func encodeFingerprint(fp map[uint64]bool) string {
	parts := make([]string, 0, len(fp))
	for h := range fp {
		parts = append(parts, strconv.FormatUint(h, 16))
	}
	return strings.Join(parts, ",")
}

func decodeFingerprint(s string) map[uint64]bool {
	fp := make(map[uint64]bool)
	for _, part := range strings.Split(s, ",") {
		if h, err := strconv.ParseUint(part, 16, 64); err == nil {
			fp[h] = true
		}
	}
	return fp
}
