package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/mfateev/gatekeeper/internal/capability"
	"github.com/mfateev/gatekeeper/internal/fault"
)

// maxBatchLine bounds one request line; file.write content travels inline.
const maxBatchLine = 16 << 20

// batchRequest is one line of a batch: the operation's wire name and its
// JSON parameters.
type batchRequest struct {
	Operation string          `json:"operation"`
	Params    json.RawMessage `json:"params"`
}

// runBatch invokes one operation per input line, in order, and writes one
// JSON result per line. Blank lines and lines starting with # are skipped.
// It returns how many operations did not succeed.
func runBatch(ctx context.Context, reg *capability.Registry, in io.Reader, out io.Writer) (int, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxBatchLine)
	enc := json.NewEncoder(out)

	failed := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return failed, err
		}

		res := invokeLine(ctx, reg, []byte(line), lineNo)
		if !res.Success {
			failed++
		}
		if err := enc.Encode(res); err != nil {
			return failed, fmt.Errorf("failed to write result: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return failed, fmt.Errorf("failed to read batch: %w", err)
	}
	return failed, nil
}

func invokeLine(ctx context.Context, reg *capability.Registry, line []byte, lineNo int) capability.Result {
	var req batchRequest
	if err := json.Unmarshal(line, &req); err != nil {
		cid := uuid.NewString()
		return capability.Result{
			CorrelationID: cid,
			Err:           fault.Newf(fault.Validation, cid, "line %d: %v", lineNo, err),
		}
	}
	op, err := capability.ParseOperation(req.Operation, req.Params)
	if err != nil {
		cid := uuid.NewString()
		return capability.Result{
			Operation:     req.Operation,
			CorrelationID: cid,
			Err:           fault.Normalize(err, cid),
		}
	}
	return reg.Invoke(ctx, op)
}
