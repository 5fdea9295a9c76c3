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

	"github.com/google/uuid"
)

// Dynamic runs the containerized site scanner against a URL target that
// already passed the safety gate. The tool exits non-zero whenever it raises
// alerts, so exit codes are advisory only; the results file is the contract.
type Dynamic struct {
	DockerPath string
	ZapImage   string
	Timeout    time.Duration
	ScratchDir string
}

func (a *Dynamic) Run(ctx context.Context, scanID, targetURL string) DynamicResult {
	var res DynamicResult

	workDir := filepath.Join(a.ScratchDir, "zap-"+uuid.NewString())
	if err := os.MkdirAll(workDir, 0o777); err != nil {
		res.ToolErrors = append(res.ToolErrors, "dynamic scan workdir: "+err.Error())
		return res
	}
	defer os.RemoveAll(workDir)

	const reportName = "zap-report.json"

	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.DockerPath, "run", "--rm",
		"-v", workDir+":/zap/wrk:rw",
		a.ZapImage,
		"zap-baseline.py",
		"-t", targetURL,
		"-J", reportName,
		"-I",
	)
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			res.ToolErrors = append(res.ToolErrors, "dynamic scan timed out")
			log.Printf("scan %s: dynamic tool timed out after %s", scanID, a.Timeout)
		} else {
			// Non-zero exit is a normal outcome when alerts were found;
			// note it and read the report regardless.
			log.Printf("scan %s: dynamic tool exited non-zero: %v", scanID, err)
		}
	}

	raw, err := os.ReadFile(filepath.Join(workDir, reportName))
	if err != nil {
		// No results file at all: zero findings, not an error.
		log.Printf("scan %s: dynamic tool wrote no report, treating as clean", scanID)
		return res
	}
	res.RawOutput = raw

	if err := json.Unmarshal(raw, &res.Report); err != nil {
		res.ToolErrors = append(res.ToolErrors, fmt.Sprintf("dynamic scan output unparsable: %v", err))
		res.Report.Site = nil
	}
	return res
}
