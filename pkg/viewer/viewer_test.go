package viewer

import (
	"encoding/json"
	"image/color"
	"strings"
	"testing"
)

func TestHexColorValidate(t *testing.T) {
	valid := []HexColor{"#000000", "#FFFFFF", "#abc", "#AbCdEf", "#0000FF"}
	for _, c := range valid {
		if err := c.Validate(); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", c, err)
		}
	}
	invalid := []HexColor{"", "#", "000000", "#00000", "#0000000", "#ggg", "red", "#12 45"}
	for _, c := range invalid {
		if err := c.Validate(); err == nil {
			t.Errorf("Validate(%q) succeeded, want error", c)
		}
	}
}

func TestHexColorRGBA(t *testing.T) {
	cases := []struct {
		in   HexColor
		want color.RGBA
	}{
		{"#000000", color.RGBA{0, 0, 0, 255}},
		{"#FFFFFF", color.RGBA{255, 255, 255, 255}},
		{"#ff0000", color.RGBA{255, 0, 0, 255}},
		{"#f00", color.RGBA{255, 0, 0, 255}},
		{"#08f", color.RGBA{0, 136, 255, 255}},
	}
	for _, tc := range cases {
		got, err := tc.in.RGBA()
		if err != nil {
			t.Fatalf("RGBA(%q) failed: %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("RGBA(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
	if _, err := HexColor("bogus").RGBA(); err == nil {
		t.Fatal("expected error for malformed color")
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if p.ColorBackground != "#FFFFFF" || p.ColorFont != "#000000" {
		t.Fatalf("defaults = bg %q font %q, want light canvas", p.ColorBackground, p.ColorFont)
	}
	if p.Opacity != 1 || p.NBColors != 256 || !p.Colorbar || !p.Crosshair {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if p.Cursor != (Point3{}) {
		t.Fatalf("cursor = %+v, want origin", p.Cursor)
	}
}

func TestForCanvas(t *testing.T) {
	dark := ForCanvas(true)
	if dark.ColorBackground != "#000000" || dark.ColorFont != "#FFFFFF" {
		t.Fatalf("dark canvas = bg %q font %q", dark.ColorBackground, dark.ColorFont)
	}
	light := ForCanvas(false)
	if light.ColorBackground != "#FFFFFF" || light.ColorFont != "#000000" {
		t.Fatalf("light canvas = bg %q font %q", light.ColorBackground, light.ColorFont)
	}
}

func TestParamsValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Params)
		wantErr string
	}{
		{"badBackground", func(p *Params) { p.ColorBackground = "white" }, "colorBackground"},
		{"badFont", func(p *Params) { p.ColorFont = "#12345" }, "colorFont"},
		{"badCrosshair", func(p *Params) { p.ColorCrosshair = "" }, "colorCrosshair"},
		{"opacityHigh", func(p *Params) { p.Opacity = 1.5 }, "opacity"},
		{"opacityNegative", func(p *Params) { p.Opacity = -0.1 }, "opacity"},
		{"zeroColors", func(p *Params) { p.NBColors = 0 }, "nbColors"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.mutate(&p)
			err := p.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestParamsJSONShape(t *testing.T) {
	data, err := json.Marshal(DefaultParams())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	for _, key := range []string{
		"colorBackground", "colorFont", "colorCrosshair", "crosshair",
		"cursor", "opacity", "nbColors", "colorbar", "flagCoordinates", "flagValue",
	} {
		if _, ok := doc[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if _, ok := doc["title"]; ok {
		t.Error("empty title must be omitted")
	}

	var cursor Point3
	if err := json.Unmarshal(doc["cursor"], &cursor); err != nil {
		t.Fatalf("cursor unmarshal failed: %v", err)
	}
	if cursor != (Point3{}) {
		t.Fatalf("cursor = %+v, want zero origin", cursor)
	}
}
