package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Static runs the external static-analysis tool against a sandbox checkout.
// Tool failures degrade to an empty result with recorded errors; they never
// abort the scan.
type Static struct {
	SemgrepPath string
	Timeout     time.Duration
}

func (a *Static) Run(ctx context.Context, scanID, dir string) StaticResult {
	var res StaticResult

	outPath := filepath.Join(os.TempDir(), fmt.Sprintf("semgrep-%s.json", scanID))
	defer os.Remove(outPath)

	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.SemgrepPath,
		"--config", "auto",
		"--json",
		"--output", outPath,
		"--quiet",
		dir,
	)
	// The tool can emit multi-megabyte reports; stdout/stderr stay attached
	// for operator visibility only.
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err != nil {
		// Exit code 1 means findings were detected, which is a successful
		// run by this tool's convention. Anything else is a real failure,
		// but we still try to read whatever output was written.
		if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() != 1 {
			if ctx.Err() == context.DeadlineExceeded {
				res.ToolErrors = append(res.ToolErrors, "static analysis timed out")
			} else {
				res.ToolErrors = append(res.ToolErrors, "static analysis failed: "+err.Error())
			}
			log.Printf("scan %s: static tool: %v", scanID, err)
		}
	}

	raw, readErr := os.ReadFile(outPath)
	if readErr != nil {
		if len(res.ToolErrors) == 0 {
			res.ToolErrors = append(res.ToolErrors, "static analysis produced no output file")
		}
		return res
	}
	res.RawOutput = raw

	if err := json.Unmarshal(raw, &res.Report); err != nil {
		res.ToolErrors = append(res.ToolErrors, "static analysis output unparsable: "+err.Error())
		res.Report.Results = nil
		return res
	}
	for _, e := range res.Report.Errors {
		if e.Message != "" {
			res.ToolErrors = append(res.ToolErrors, e.Message)
		}
	}
	return res
}
