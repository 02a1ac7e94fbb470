package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// ScripMasterURL is where the broker publishes its instrument list.
const ScripMasterURL = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"

// ErrUnknownSymbol is returned when a trading symbol is not in the scrip master.
var ErrUnknownSymbol = errors.New("unknown trading symbol")

// Instrument is one scrip master row.
type Instrument struct {
	Token          string    `json:"token"`
	Symbol         string    `json:"symbol"`
	Name           string    `json:"name"`
	Expiry         string    `json:"expiry"`
	Strike         flexFloat `json:"strike"`
	LotSize        flexFloat `json:"lotsize"`
	InstrumentType string    `json:"instrumenttype"`
	Segment        string    `json:"exch_seg"`
}

// ScripMaster resolves derivative trading symbols to instrument tokens.
// It is read-only after loading and safe for concurrent use.
type ScripMaster struct {
	bySymbol map[string]Instrument
}

// Ensure ScripMaster implements SymbolResolver at compile time.
var _ SymbolResolver = (*ScripMaster)(nil)

// LoadScripMaster decodes the instrument list, keeping derivatives rows.
func LoadScripMaster(r io.Reader) (*ScripMaster, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("reading scrip master: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("reading scrip master: expected array, got %v", tok)
	}

	sm := &ScripMaster{bySymbol: make(map[string]Instrument)}
	for dec.More() {
		var inst Instrument
		if err := dec.Decode(&inst); err != nil {
			return nil, fmt.Errorf("decoding scrip master row: %w", err)
		}
		if inst.Segment != "" && inst.Segment != "NFO" {
			continue
		}
		sm.bySymbol[strings.ToUpper(inst.Symbol)] = inst
	}
	return sm, nil
}

// LoadScripMasterFile loads a cached copy from disk.
func LoadScripMasterFile(path string) (*ScripMaster, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("opening scrip master: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadScripMaster(f)
}

// FetchScripMaster downloads the instrument list from url.
func FetchScripMaster(ctx context.Context, client *http.Client, url string) (*ScripMaster, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if url == "" {
		url = ScripMasterURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading scrip master: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: "GET " + url}
	}
	return LoadScripMaster(resp.Body)
}

// Token returns the instrument token for symbol.
func (s *ScripMaster) Token(symbol string) (string, error) {
	inst, err := s.Instrument(symbol)
	if err != nil {
		return "", err
	}
	return inst.Token, nil
}

// Instrument returns the full row for symbol.
func (s *ScripMaster) Instrument(symbol string) (Instrument, error) {
	inst, ok := s.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return inst, nil
}

// Len is the number of derivative instruments loaded.
func (s *ScripMaster) Len() int {
	return len(s.bySymbol)
}
