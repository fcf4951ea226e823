package instrument

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ncruces/go-strftime"

	"github.com/loykin/fielddaq/internal/clock"
	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
)

// KindAVO is the IQAir AirVisual Outdoor monitor. It has no local link:
// its history is downloaded from the vendor portal.
const KindAVO = "avo"

func init() { Register(KindAVO, newAVO) }

// AVOPeriods are the history tables the portal returns: the latest 60
// one-minute values, 48 hourly, about 30 daily and 12 monthly ones.
var AVOPeriods = []string{"instant", "hourly", "daily", "monthly"}

type avoSource struct {
	label string
	url   string
}

// AVO downloads every configured portal URL. Each history table is merged
// into a dated CSV file per station and period.
type AVO struct {
	name      string
	sources   []avoSource
	validated bool
	sep       string
	client    *http.Client
	clk       clock.Clock
	log       *slog.Logger
}

func newAVO(cfg config.InstrumentConfig, deps Deps) (Driver, error) {
	if cfg.HTTP == nil || len(cfg.HTTP.URLs) == 0 {
		return nil, fmt.Errorf("instrument %s: needs an http section with urls", cfg.Name)
	}
	timeout := cfg.HTTP.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sources := make([]avoSource, 0, len(cfg.HTTP.URLs))
	for label, u := range cfg.HTTP.URLs {
		sources = append(sources, avoSource{label: label, url: strings.TrimRight(u, "/")})
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].label < sources[j].label })
	sep := cfg.Separator
	if sep == "" {
		sep = config.DefaultSeparator(KindAVO)
	}
	return &AVO{
		name:      cfg.Name,
		sources:   sources,
		validated: cfg.HTTP.Validated,
		sep:       sep,
		client:    &http.Client{Timeout: timeout},
		clk:       deps.Clock,
		log:       deps.Log.With("instrument", cfg.Name),
	}, nil
}

func (a *AVO) Name() string { return a.name }
func (a *AVO) Kind() string { return KindAVO }

// Acquire reports the current measurement of the first source.
func (a *AVO) Acquire(ctx context.Context) Result {
	now := a.clk.Now()
	p, err := a.fetch(ctx, a.sources[0].url)
	if err != nil {
		return failed(now, "avo acquire", a.sources[0].label, err)
	}
	row := p.Current
	if len(row) == 0 {
		if inst := p.Historical["instant"]; len(inst) > 0 {
			row = inst[len(inst)-1]
		}
	}
	if len(row) == 0 {
		return failed(now, "avo acquire", a.sources[0].label, errors.New("no current measurement"))
	}
	flat := make(map[string]string)
	flatten("", row, flat)
	at := now
	if ts, err := time.Parse(time.RFC3339, flat["ts"]); err == nil {
		at = ts.In(now.Location())
	}
	cols := columns([]map[string]string{flat})[1:]
	vals := make([]string, 0, len(cols))
	for _, c := range cols {
		vals = append(vals, flat[c])
	}
	return Result{At: at, Data: strings.Join(vals, a.sep)}
}

// Download fetches every source and merges its history tables into
// <dir>/<station>_avo_<period>-<YYYYmmdd>.csv (YYYYmm for monthly).
// Sources that fail are skipped; the paths written so far are returned
// with the joined errors.
func (a *AVO) Download(ctx context.Context, dir string) ([]string, error) {
	now := a.clk.Now()
	var paths []string
	var errs []error
	for _, src := range a.sources {
		p, err := a.fetch(ctx, src.url)
		if err != nil {
			a.log.Warn("avo download failed", "source", src.label, "err", err)
			errs = append(errs, daqerr.Communication("avo download", src.label, err))
			continue
		}
		station := stationSlug(p.Name, src.label)
		for _, period := range AVOPeriods {
			entries := p.Historical[period]
			if len(entries) == 0 {
				continue
			}
			layout := "%Y%m%d"
			if period == "monthly" {
				layout = "%Y%m"
			}
			file := filepath.Join(dir, fmt.Sprintf("%s_avo_%s-%s.csv", station, period, strftime.Format(layout, now)))
			rows := make([]map[string]string, 0, len(entries))
			for _, e := range entries {
				flat := make(map[string]string)
				flatten("", e, flat)
				rows = append(rows, flat)
			}
			if err := mergeCSV(file, rows); err != nil {
				errs = append(errs, daqerr.Persistence("avo write", file, err))
				continue
			}
			paths = append(paths, file)
		}
		a.log.Info("avo downloaded", "source", src.label, "station", station)
	}
	return paths, errors.Join(errs...)
}

type avoPayload struct {
	Name       string                      `json:"name"`
	Current    map[string]any              `json:"current"`
	Historical map[string][]map[string]any `json:"historical"`
}

func (a *AVO) fetch(ctx context.Context, url string) (avoPayload, error) {
	var p avoPayload
	if a.validated {
		url += "/validated_data"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return p, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return p, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return p, fmt.Errorf("portal returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("decode: %w", err)
	}
	return p, nil
}

// flatten joins nested keys with "_": {"pm25": {"conc": 3}} becomes
// pm25_conc=3.
func flatten(prefix string, m map[string]any, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch t := v.(type) {
		case map[string]any:
			flatten(key, t, out)
		case nil:
			out[key] = ""
		case string:
			out[key] = t
		case json.Number:
			out[key] = t.String()
		case bool:
			out[key] = strconv.FormatBool(t)
		default:
			b, _ := json.Marshal(t)
			out[key] = string(b)
		}
	}
}

func stationSlug(name, label string) string {
	if name == "" {
		name = label
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// columns returns "ts" followed by every other key, sorted.
func columns(rows []map[string]string) []string {
	set := map[string]bool{}
	for _, r := range rows {
		for k := range r {
			if k != "ts" {
				set[k] = true
			}
		}
	}
	out := make([]string, 0, len(set)+1)
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return append([]string{"ts"}, out...)
}

// mergeCSV adds rows to the CSV at path. Rows are keyed by ts: a newer
// download replaces the stored row, rows without ts are dropped. The file
// is rewritten sorted by ts through a temp file.
func mergeCSV(path string, rows []map[string]string) error {
	byTS := map[string]map[string]string{}
	old, err := readCSV(path)
	if err != nil {
		return err
	}
	for _, r := range append(old, rows...) {
		if ts := r["ts"]; ts != "" {
			byTS[ts] = r
		}
	}
	merged := make([]map[string]string, 0, len(byTS))
	for _, r := range byTS {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i]["ts"] < merged[j]["ts"] })

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	cols := columns(merged)
	w := csv.NewWriter(tmp)
	_ = w.Write(cols)
	rec := make([]string, len(cols))
	for _, r := range merged {
		for i, c := range cols {
			rec[i] = r[c]
		}
		_ = w.Write(rec)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readCSV(path string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	head := recs[0]
	out := make([]map[string]string, 0, len(recs)-1)
	for _, rec := range recs[1:] {
		r := make(map[string]string, len(head))
		for i, c := range head {
			if i < len(rec) {
				r[c] = rec[i]
			}
		}
		out = append(out, r)
	}
	return out, nil
}
