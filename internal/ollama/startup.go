package ollama

import (
	"context"
	"fmt"
	"io"
)

// EnsureModel checks that Ollama is reachable and model is available,
// pulling it when missing. Progress is written to w.
func EnsureModel(ctx context.Context, c *Client, model string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running. Start it with: ollama serve")
	}
	if c.HasModel(ctx, model) {
		fmt.Fprintf(w, "model %s: ready\n", model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", model)
	err := c.PullModel(ctx, model, func(p PullProgress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, float64(p.Completed)/float64(p.Total)*100)
			return
		}
		fmt.Fprintf(w, "  %s\n", p.Status)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "model %s: ready\n", model)
	return nil
}
