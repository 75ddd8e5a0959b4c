package cli

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	mycerrors "github.com/gezibash/mycelium/pkg/errors"
	"github.com/gezibash/mycelium/pkg/functionality"
)

// ---------------------------------------------------------------------------
// ParseFormat / Meta
// ---------------------------------------------------------------------------

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input string
		want  Format
	}{
		{"json", FormatJSON},
		{"markdown", FormatMarkdown},
		{"md", FormatMarkdown},
		{"text", FormatText},
		{"", FormatText},
		{"JSON", FormatText},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseFormat(tt.input); got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestMetaNode(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutput(FormatJSON, &buf).WithNode("math-provider")

	if err := out.Result("call", "ok").Render(); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	var envelope struct {
		Meta Meta `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal: %v\nraw: %s", err, buf.String())
	}
	if envelope.Meta.Node != "math-provider" {
		t.Errorf("meta.node = %q, want math-provider", envelope.Meta.Node)
	}
	if envelope.Meta.Version != "v1" || envelope.Meta.Generated.IsZero() {
		t.Errorf("meta = %+v", envelope.Meta)
	}
}

func TestStyledNonTerminal(t *testing.T) {
	if NewOutput(FormatText, &bytes.Buffer{}).Styled() {
		t.Error("Styled() = true for a buffer")
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func TestToJSONKey(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Provider", "provider"},
		{"Output Type", "output_type"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := toJSONKey(tt.input); got != tt.want {
				t.Errorf("toJSONKey(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name  string
		s     string
		width int
		want  string
	}{
		{"short", "int32", 10, "int32"},
		{"exact", "int32", 5, "int32"},
		{"long", "functionality.multiplyRequest", 10, "functiona…"},
		{"disabled", "functionality.multiplyRequest", 0, "functionality.multiplyRequest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Truncate(tt.s, tt.width); got != tt.want {
				t.Errorf("Truncate(%q, %d) = %q, want %q", tt.s, tt.width, got, tt.want)
			}
		})
	}
}

func TestFormatMarkdownValue(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want string
	}{
		{"uuid", "1b4e28ba-2fa1-11d2-883f-0016d3cca427", "`1b4e28ba-2fa1-11d2-883f-0016d3cca427`"},
		{"channel", "multiply/request", "`multiply/request`"},
		{"plain", "hello", "hello"},
		{"pipe escaped", "a|b", `a\|b`},
		{"other slash", "a/b", "a/b"},
		{"number", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatMarkdownValue(tt.v); got != tt.want {
				t.Errorf("formatMarkdownValue(%v) = %q, want %q", tt.v, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Table
// ---------------------------------------------------------------------------

func TestTable_RenderText(t *testing.T) {
	var buf bytes.Buffer
	out := NewOutput(FormatText, &buf)

	err := out.Table("t", "Name", "Kind").
		AddRow("multiply", "request_response").
		AddRow("get_status", "response").
		Render()
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	text := buf.String()
	for _, want := range []string{"NAME", "KIND", "multiply", "get_status", "request_response"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
}

func TestTable_MaxWidthTextOnly(t *testing.T) {
	long := strings.Repeat("x", 60)

	var text bytes.Buffer
	if err := NewOutput(FormatText, &text).Table("t", "Type").MaxWidth(12).AddRow(long).Render(); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if strings.Contains(text.String(), long) {
		t.Errorf("text cell not truncated:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := NewOutput(FormatJSON, &js).Table("t", "Type").MaxWidth(12).AddRow(long).Render(); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(js.String(), long) {
		t.Errorf("json cell truncated:\n%s", js.String())
	}
}

func TestTable_RenderMarkdown(t *testing.T) {
	var buf bytes.Buffer
	if err := NewOutput(FormatMarkdown, &buf).Table("t", "Name").AddRow("multiply").Render(); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	md := buf.String()
	if !strings.HasPrefix(md, "---\n") || !strings.Contains(md, "type: t") {
		t.Errorf("missing frontmatter:\n%s", md)
	}
	if !strings.Contains(md, "| multiply |") {
		t.Errorf("missing markdown row:\n%s", md)
	}
}

// ---------------------------------------------------------------------------
// KV
// ---------------------------------------------------------------------------

func TestKV(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		if err := NewOutput(FormatText, &buf).KV("node").Set("Name", "n1").Set("Participants", 3).Render(); err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		if !strings.Contains(buf.String(), "Name:") || !strings.Contains(buf.String(), "n1") {
			t.Errorf("text:\n%s", buf.String())
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := NewOutput(FormatJSON, &buf).KV("node").Set("Call Timeout", "5s").Render(); err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		var envelope struct {
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(buf.Bytes(), &envelope); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if envelope.Data["call_timeout"] != "5s" {
			t.Errorf("data = %v", envelope.Data)
		}
	})

	t.Run("empty", func(t *testing.T) {
		var buf bytes.Buffer
		if err := NewOutput(FormatText, &buf).KV("node").Render(); err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		if buf.Len() != 0 {
			t.Errorf("empty KV wrote %q", buf.String())
		}
	})
}

// ---------------------------------------------------------------------------
// Result / Error
// ---------------------------------------------------------------------------

func TestResult_SortedDetails(t *testing.T) {
	var buf bytes.Buffer
	err := NewOutput(FormatText, &buf).Result("call", "multiply = 42").
		With("timeout", "5s").
		With("functionality", "multiply").
		With("elapsed", "3ms").
		Render()
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	text := buf.String()
	e, f, tm := strings.Index(text, "elapsed"), strings.Index(text, "functionality"), strings.Index(text, "timeout")
	if e < 0 || !(e < f && f < tm) {
		t.Errorf("details not sorted:\n%s", text)
	}
	if !strings.HasPrefix(text, "multiply = 42\n") {
		t.Errorf("message not first:\n%s", text)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"remote", fmt.Errorf("call: %w", &mycerrors.RemoteError{Functionality: "divide", Message: "division by zero"}), "remote"},
		{"transport", mycerrors.NewTransportError("write", "multiply/request", stderrors.New("reset")), "transport"},
		{"discovery", fmt.Errorf("wait: %w", mycerrors.ErrDiscoveryIncomplete), "discovery_incomplete"},
		{"timeout", mycerrors.ErrTimeout, "timeout"},
		{"invalid", mycerrors.ErrInvalidInput, "invalid_input"},
		{"not found", mycerrors.ErrNotFound, "not_found"},
		{"other", stderrors.New("boom"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.want {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestError_Render(t *testing.T) {
	t.Run("derived code text", func(t *testing.T) {
		var buf bytes.Buffer
		if err := NewOutput(FormatText, &buf).Error("call", mycerrors.ErrTimeout).With("functionality", "multiply").Render(); err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		if !strings.HasPrefix(buf.String(), "Error [timeout]: timeout\n") {
			t.Errorf("text:\n%s", buf.String())
		}
		if !strings.Contains(buf.String(), "functionality: multiply") {
			t.Errorf("missing detail:\n%s", buf.String())
		}
	})

	t.Run("explicit code json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := NewOutput(FormatJSON, &buf).Error("call", stderrors.New("boom")).WithCode("E1").Render(); err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		var envelope struct {
			Meta Meta           `json:"meta"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(buf.Bytes(), &envelope); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if envelope.Meta.Type != "call-error" {
			t.Errorf("meta.type = %q, want call-error", envelope.Meta.Type)
		}
		if envelope.Data["code"] != "E1" || envelope.Data["error"] != "boom" {
			t.Errorf("data = %v", envelope.Data)
		}
	})

	t.Run("no code markdown", func(t *testing.T) {
		var buf bytes.Buffer
		if err := NewOutput(FormatMarkdown, &buf).Error("call", stderrors.New("boom")).Render(); err != nil {
			t.Fatalf("Render() error = %v", err)
		}
		if !strings.Contains(buf.String(), "> **Error:** boom") {
			t.Errorf("markdown:\n%s", buf.String())
		}
	})
}

// ---------------------------------------------------------------------------
// Directory renderers
// ---------------------------------------------------------------------------

func TestProviders(t *testing.T) {
	manifests := []functionality.Manifest{
		{
			ProviderName: "math",
			Functionalities: []functionality.Descriptor{
				{Name: "multiply", Kind: functionality.RequestResponse, InputType: "main.MulReq", OutputType: "int32"},
				{Name: "sensor_stream", Kind: functionality.Continuous, OutputType: "float64"},
			},
		},
		{ProviderName: "idle"},
	}

	var buf bytes.Buffer
	tbl := NewOutput(FormatJSON, &buf).Providers(manifests)
	if tbl.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", tbl.Len())
	}
	if err := tbl.Render(); err != nil {
		t.Fatalf("Render() error = %v", err)
	}

	var envelope struct {
		Meta Meta                `json:"meta"`
		Data []map[string]string `json:"data"`
	}
	if err := json.Unmarshal(buf.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Meta.Type != "providers" {
		t.Errorf("meta.type = %q", envelope.Meta.Type)
	}
	if got := envelope.Data[0]["functionality"]; got != "multiply" {
		t.Errorf("row 0 functionality = %q", got)
	}
	if got := envelope.Data[1]["input"]; got != "-" {
		t.Errorf("continuous input = %q, want -", got)
	}
	if got := envelope.Data[2]["provider"]; got != "idle" {
		t.Errorf("row 2 provider = %q", got)
	}
}

func TestConsumers(t *testing.T) {
	ads := []functionality.Advertisement{
		{ConsumerID: "c1", RequestedFunctionality: functionality.Descriptor{Name: "multiply", Kind: functionality.RequestResponse, OutputType: "int32"}},
	}
	var buf bytes.Buffer
	if err := NewOutput(FormatText, &buf).Consumers(ads).Render(); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if !strings.Contains(buf.String(), "c1") || !strings.Contains(buf.String(), "multiply") {
		t.Errorf("text:\n%s", buf.String())
	}
}
