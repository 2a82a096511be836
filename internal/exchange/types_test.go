package exchange

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestClassifyStream(t *testing.T) {
	tests := []struct {
		stream string
		want   StreamKind
	}{
		{"btcusdt@trade", KindTrade},
		{"btcusdt@ticker", KindTicker},
		{"btcusdt@depth", KindDepth},
		{"btcusdt@depth@100ms", KindDepth},
		{"btcusdt@kline_1m", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyStream(tt.stream); got != tt.want {
			t.Errorf("ClassifyStream(%q) = %v, want %v", tt.stream, got, tt.want)
		}
	}
}

func TestParseTrade(t *testing.T) {
	raw := []byte(`{"e":"trade","s":"BTCUSDT","p":"45000.50","q":"0.25","T":1717200000000,"m":true}`)
	ev, err := ParseTrade(raw)
	if err != nil {
		t.Fatalf("ParseTrade: %v", err)
	}
	if ev.Symbol != "BTCUSDT" || ev.Price != 45000.50 || ev.Quantity != 0.25 || !ev.IsBuyerMaker {
		t.Errorf("trade = %+v", ev)
	}
}

func TestParseTradeRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"negative price", `{"s":"BTCUSDT","p":"-1","q":"1"}`},
		{"zero price", `{"s":"BTCUSDT","p":"0","q":"1"}`},
		{"zero quantity", `{"s":"BTCUSDT","p":"100","q":"0"}`},
		{"non-numeric", `{"s":"BTCUSDT","p":"abc","q":"1"}`},
		{"missing symbol", `{"p":"100","q":"1"}`},
		{"infinity", `{"s":"BTCUSDT","p":"Inf","q":"1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTrade([]byte(tt.raw))
			var integrity *DataIntegrityError
			if !errors.As(err, &integrity) {
				t.Errorf("err = %v, want DataIntegrityError", err)
			}
		})
	}
}

func TestParseDepth(t *testing.T) {
	raw := []byte(`{
		"e":"depthUpdate","E":1717200000000,"s":"BTCUSDT","U":100,"u":102,
		"b":[["45000.00","1.5"],["44999.00","0"]],
		"a":[["45001.00","2.0"]]
	}`)
	ev, err := ParseDepth(raw)
	if err != nil {
		t.Fatalf("ParseDepth: %v", err)
	}
	if ev.FirstUpdateID != 100 || ev.FinalUpdateID != 102 {
		t.Errorf("ids = %d/%d", ev.FirstUpdateID, ev.FinalUpdateID)
	}
	// Zero quantity is a removal, not an error.
	if len(ev.Bids) != 2 || ev.Bids[1].Qty != 0 {
		t.Errorf("bids = %+v", ev.Bids)
	}
	if len(ev.Asks) != 1 || ev.Asks[0].Price != 45001 {
		t.Errorf("asks = %+v", ev.Asks)
	}
}

func TestParseDepthRejectsReversedIDs(t *testing.T) {
	raw := []byte(`{"s":"BTCUSDT","U":102,"u":100,"b":[],"a":[]}`)
	if _, err := ParseDepth(raw); err == nil {
		t.Error("expected error for final id below first id")
	}
}

func TestParseDepthRejectsNegativeQuantity(t *testing.T) {
	raw := []byte(`{"s":"BTCUSDT","U":1,"u":1,"b":[["100","-3"]],"a":[]}`)
	if _, err := ParseDepth(raw); err == nil {
		t.Error("expected error for negative quantity")
	}
}

func TestParseTicker(t *testing.T) {
	raw := []byte(`{
		"e":"24hrTicker","E":1717200000000,"s":"ETHUSDT",
		"p":"-12.5","P":"-0.35","w":"3560.2","c":"3550.0","o":"3562.5",
		"h":"3600.0","l":"3500.0","v":"12000.5","q":"42700000.0","n":98765
	}`)
	ev, err := ParseTicker(raw)
	if err != nil {
		t.Fatalf("ParseTicker: %v", err)
	}
	if ev.Symbol != "ETHUSDT" || ev.Close != 3550 || ev.TradeCount != 98765 {
		t.Errorf("ticker = %+v", ev)
	}
	// Change fields may be negative.
	if ev.PriceChange != -12.5 || ev.PriceChangePct != -0.35 {
		t.Errorf("change = %v/%v", ev.PriceChange, ev.PriceChangePct)
	}
}

func TestParseKlineRow(t *testing.T) {
	raw := []byte(`[1717200000000,"100.0","110.0","95.0","105.0","1234.5",1717203599999,"130000.0",4321]`)
	var row []json.RawMessage
	if err := json.Unmarshal(raw, &row); err != nil {
		t.Fatal(err)
	}
	k, err := parseKlineRow("BTCUSDT", row)
	if err != nil {
		t.Fatalf("parseKlineRow: %v", err)
	}
	if k.Open != 100 || k.High != 110 || k.Low != 95 || k.Close != 105 {
		t.Errorf("ohlc = %+v", k)
	}
	if k.Volume != 1234.5 || k.QuoteVolume != 130000 || k.TradeCount != 4321 {
		t.Errorf("volume fields = %+v", k)
	}
}

func TestParseKlineRowRejectsHighBelowLow(t *testing.T) {
	raw := []byte(`[1717200000000,"100.0","90.0","95.0","92.0","10",1717203599999,"920",1]`)
	var row []json.RawMessage
	if err := json.Unmarshal(raw, &row); err != nil {
		t.Fatal(err)
	}
	if _, err := parseKlineRow("BTCUSDT", row); err == nil {
		t.Error("expected error for high below low")
	}
}
