package payload

import (
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"testing"
	"time"

	"github.com/nugget/heatsync/internal/sensor"
)

func TestMarshalJSON_CanonicalScenario(t *testing.T) {
	t.Parallel()
	ts := time.UnixMilli(1700000000000)
	r := sensor.Reading{Temperature: 23.5, Humidity: sensor.Humidity(48.0)}

	got, err := Build("AA:BB:CC:DD:EE:FF", r, &ts).Marshal(FormatJSON)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"deviceId":"AA:BB:CC:DD:EE:FF","temperature":23.5,"humidity":48.0,"timestamp":1700000000000}`
	if string(got) != want {
		t.Errorf("Marshal() =\n  %s\nwant\n  %s", got, want)
	}
}

func TestMarshalJSON_OptionalFields(t *testing.T) {
	t.Parallel()
	ts := time.UnixMilli(1700000000123)
	tests := []struct {
		name string
		r    sensor.Reading
		ts   *time.Time
		want string
	}{
		{
			name: "unsynced clock",
			r:    sensor.Reading{Temperature: 21, Humidity: sensor.Humidity(50.5)},
			want: `{"deviceId":"dev","temperature":21.0,"humidity":50.5}`,
		},
		{
			name: "temperature only",
			r:    sensor.Reading{Temperature: -3.25},
			ts:   &ts,
			want: `{"deviceId":"dev","temperature":-3.25,"timestamp":1700000000123}`,
		},
		{
			name: "bare",
			r:    sensor.Reading{Temperature: 0},
			want: `{"deviceId":"dev","temperature":0.0}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(Build("dev", tt.r, tt.ts))
			if err != nil {
				t.Fatalf("json.Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMarshalJSON_EscapesDeviceID(t *testing.T) {
	t.Parallel()
	got, err := Build(`a"b`, sensor.Reading{Temperature: 1.5}, nil).MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(got) {
		t.Errorf("invalid JSON: %s", got)
	}
}

func TestMarshal_TemperatureExact(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 500; i++ {
		temp := -40 + rng.Float64()*125
		data, err := Build("d", sensor.Reading{Temperature: temp}, nil).MarshalJSON()
		if err != nil {
			t.Fatal(err)
		}
		var doc struct {
			Temperature float64 `json:"temperature"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if doc.Temperature != temp {
			t.Fatalf("temperature %v round-tripped as %v", temp, doc.Temperature)
		}
	}
}

func TestMarshal_Plain(t *testing.T) {
	t.Parallel()
	tests := []struct {
		temp float64
		want string
	}{
		{23.5, "23.5"},
		{22, "22.0"},
		{-0.1, "-0.1"},
	}
	for _, tt := range tests {
		got, err := Build("d", sensor.Reading{Temperature: tt.temp}, nil).Marshal(FormatPlain)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != tt.want {
			t.Errorf("plain %v = %q, want %q", tt.temp, got, tt.want)
		}
		if _, err := strconv.ParseFloat(string(got), 64); err != nil {
			t.Errorf("plain payload %q is not numeric", got)
		}
	}
}

func TestBuild_CopiesInputs(t *testing.T) {
	t.Parallel()
	h := 40.0
	ts := time.UnixMilli(1000)
	p := Build("d", sensor.Reading{Temperature: 1, Humidity: &h}, &ts)

	h = 99
	ts = time.UnixMilli(2000)
	if *p.Humidity != 40 {
		t.Errorf("humidity changed with caller's variable: %v", *p.Humidity)
	}
	if ms, _ := p.TimestampMillis(); ms != 1000 {
		t.Errorf("timestamp changed with caller's variable: %d", ms)
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{"PLAIN", FormatPlain, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
	if FormatJSON.ContentType() != ContentType {
		t.Errorf("json content type = %q", FormatJSON.ContentType())
	}
}
