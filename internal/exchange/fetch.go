package exchange

import (
	"context"
	"encoding/xml"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// DefaultRatesURL is the ECB daily reference rate feed.
const DefaultRatesURL = "https://www.ecb.europa.eu/stats/eurofxref/eurofxref-daily.xml"

// Static EUR->RUB rate; the ECB stopped publishing RUB in 2022.
const eurToRUB = 102.57

type cube struct {
	Currency string `xml:"currency,attr"`
	Rate     string `xml:"rate,attr"`
}

type envelope struct {
	Cubes []cube `xml:"Cube>Cube>Cube"`
}

// Parse reads the ECB XML document and returns a table normalized to
// XYZ->USD factors via the EUR pivot.
func Parse(body []byte) (*Rates, error) {
	var doc envelope
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(err, "parse rates xml")
	}

	// Feed values are EUR->XYZ.
	perEUR := make(map[string]float64, len(doc.Cubes)+2)
	for _, c := range doc.Cubes {
		if c.Currency == "" || c.Rate == "" {
			continue
		}
		rate, err := strconv.ParseFloat(c.Rate, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse rate for %s", c.Currency)
		}
		perEUR[c.Currency] = rate
	}
	if len(perEUR) == 0 {
		return nil, errors.New("rates document contained no currencies")
	}
	perEUR["EUR"] = 1.0
	perEUR["RUB"] = eurToRUB

	usd, ok := perEUR["USD"]
	if !ok {
		return nil, errors.New("rates document missing USD")
	}

	// (EUR->USD) / (EUR->XYZ) == (XYZ->USD)
	usdPer := make(map[string]float64, len(perEUR))
	for code, rate := range perEUR {
		if code == "USD" {
			continue
		}
		usdPer[code] = usd / rate
	}
	return NewRates(usdPer), nil
}

// Fetcher retrieves the current rate table, keeping an on-disk snapshot of
// the last good document so startup survives feed outages.
type Fetcher struct {
	URL          string
	FallbackPath string
	Client       *http.Client
}

// Fetch downloads and parses the feed. On any failure it falls back to the
// snapshot file, and on success it rewrites the snapshot.
func (f *Fetcher) Fetch(ctx context.Context) (*Rates, error) {
	url := f.URL
	if url == "" {
		url = DefaultRatesURL
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	body, err := f.download(ctx, client, url)
	if err == nil {
		if rates, perr := Parse(body); perr == nil {
			f.saveSnapshot(body)
			return rates, nil
		} else {
			err = perr
		}
	}

	log.Printf("exchange: fetch failed (%v); falling back to %s", err, f.FallbackPath)
	snapshot, rerr := os.ReadFile(f.FallbackPath)
	if rerr != nil {
		return nil, errors.Wrap(err, "fetch rates (no usable fallback)")
	}
	return Parse(snapshot)
}

func (f *Fetcher) download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build rates request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch rates")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch rates: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read rates body")
	}
	return body, nil
}

func (f *Fetcher) saveSnapshot(body []byte) {
	if f.FallbackPath == "" {
		return
	}
	if err := os.WriteFile(f.FallbackPath, body, 0o644); err != nil {
		log.Printf("exchange: write snapshot: %v", err)
	}
}
