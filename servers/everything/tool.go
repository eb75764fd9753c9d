package everything

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	mcp "github.com/MegaGrindStone/mcp-engine"
	"github.com/jonboulle/clockwork"
	"github.com/qri-io/jsonschema"
)

var (
	getTimeTool = mcp.NewTool("get_time").
			WithDescription("Get current time").
			Build()

	echoTool = mcp.NewTool("echo").
			WithDescription("Echo input with optional transformations").
			WithString("text", "Text to echo", true).
			WithBoolean("uppercase", "Convert to uppercase", false).
			WithBoolean("reverse", "Reverse the text", false).
			Build()

	calculatorTool = mcp.NewTool("calculator").
			WithDescription("Perform basic calculations").
			WithEnum("operation", "Operation to perform", []string{"add", "subtract", "multiply", "divide"}, true).
			WithNumber("a", "First operand", true).
			WithNumber("b", "Second operand", true).
			Build()

	helloTool = mcp.NewTool("hello").
			WithDescription("Say hello").
			WithString("name", "Name to say hello to", false).
			WithDefault("name", "World").
			Build()
)

var (
	echoSchema       = jsonschema.Must(string(echoTool.InputSchema))
	calculatorSchema = jsonschema.Must(string(calculatorTool.InputSchema))
	helloSchema      = jsonschema.Must(string(helloTool.InputSchema))
)

var errDivisionByZero = errors.New("division by zero")

type tools struct {
	clock  clockwork.Clock
	logger *slog.Logger
}

type echoArgs struct {
	Text      string `json:"text"`
	Uppercase bool   `json:"uppercase"`
	Reverse   bool   `json:"reverse"`
}

type calculatorArgs struct {
	Operation string  `json:"operation"`
	A         float64 `json:"a"`
	B         float64 `json:"b"`
}

type helloArgs struct {
	Name string `json:"name"`
}

func (t tools) getTime(context.Context, string, json.RawMessage) ([]mcp.Content, error) {
	return textContent(t.clock.Now().Format(time.RFC3339)), nil
}

func (t tools) echo(ctx context.Context, _ string, raw json.RawMessage) ([]mcp.Content, error) {
	var args echoArgs
	if err := decodeArgs(ctx, echoSchema, raw, &args); err != nil {
		return nil, err
	}

	text := args.Text
	if args.Uppercase {
		text = strings.ToUpper(text)
	}
	if args.Reverse {
		runes := []rune(text)
		slices.Reverse(runes)
		text = string(runes)
	}
	return textContent(text), nil
}

func (t tools) calculator(ctx context.Context, _ string, raw json.RawMessage) ([]mcp.Content, error) {
	var args calculatorArgs
	if err := decodeArgs(ctx, calculatorSchema, raw, &args); err != nil {
		return nil, err
	}

	var result float64
	switch args.Operation {
	case "add":
		result = args.A + args.B
	case "subtract":
		result = args.A - args.B
	case "multiply":
		result = args.A * args.B
	case "divide":
		if args.B == 0 {
			return nil, errDivisionByZero
		}
		result = args.A / args.B
	default:
		return nil, fmt.Errorf("unknown operation: %s", args.Operation)
	}

	t.logger.Debug("calculated",
		slog.String("operation", args.Operation),
		slog.Float64("a", args.A),
		slog.Float64("b", args.B))
	return textContent(strconv.FormatFloat(result, 'g', -1, 64)), nil
}

func (t tools) hello(ctx context.Context, _ string, raw json.RawMessage) ([]mcp.Content, error) {
	args := helloArgs{Name: "World"}
	if err := decodeArgs(ctx, helloSchema, raw, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		args.Name = "World"
	}
	return textContent(fmt.Sprintf("Hello, %s!", args.Name)), nil
}

// decodeArgs validates raw against schema and decodes it into v.
func decodeArgs(ctx context.Context, schema *jsonschema.Schema, raw json.RawMessage, v any) error {
	errs, err := schema.ValidateBytes(ctx, raw)
	if err != nil {
		return fmt.Errorf("failed to validate arguments: %w", err)
	}
	if len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Message)
		}
		return fmt.Errorf("params validation failed: %s", strings.Join(msgs, ", "))
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode arguments: %w", err)
	}
	return nil
}

func textContent(text string) []mcp.Content {
	return []mcp.Content{{Type: mcp.ContentTypeText, Text: text}}
}
