package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/3leaps/webgrade/pkg/workspace"
)

// WriteResult writes shots/appearance_result.json:
//
//	[{"instruction": ...}, {"vlm_output": ...}, {"grade_score": ...}]
func WriteResult(ws *workspace.Workspace, instruction, judgeText string, grade int) error {
	if err := os.MkdirAll(ws.ShotsDir(), 0o755); err != nil {
		return fmt.Errorf("create shots dir: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	err := enc.Encode([]map[string]any{
		{"instruction": instruction},
		{"vlm_output": judgeText},
		{"grade_score": grade},
	})
	if err != nil {
		return err
	}

	path := ws.Path(workspace.ShotsDirName, workspace.ResultFileName)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write result record: %w", err)
	}
	return nil
}
