package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strings"
	"time"

	mendererrors "github.com/mendersoftware/mender-sub010/internal/errors"
	"github.com/mendersoftware/mender-sub010/internal/update"
	"github.com/mendersoftware/mender-sub010/internal/updatemodule"
)

// externalHeaderParserTimeout bounds how long the external parser binary
// may take to emit a header, same idiom as updatemodule.Driver's own
// subprocess timeout (context.WithTimeout around an exec.CommandContext
// call, grounded on the teacher's NewDockerAgent client.Ping pattern).
const externalHeaderParserTimeout = 30 * time.Second

// jsonHeader is the wire shape the external parser binary writes to its
// stdout: one JSON object describing the artifact's streaming header.
// Artifact tar/checksum/signature parsing itself is a Non-goal (spec.md
// §1); this is only the call contract with that external collaborator.
type jsonHeader struct {
	PayloadType    string            `json:"payload_type"`
	Name           string            `json:"name"`
	Group          string            `json:"group,omitempty"`
	Provides       map[string]string `json:"provides,omitempty"`
	ClearsProvides []string          `json:"clears_provides,omitempty"`
}

// newExternalHeaderParser returns a HeaderParser that pipes the artifact
// stream into binPath's stdin and decodes its stdout as jsonHeader.
func newExternalHeaderParser(binPath string) update.HeaderParser {
	return func(r io.Reader) (updatemodule.Header, error) {
		ctx, cancel := context.WithTimeout(context.Background(), externalHeaderParserTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, binPath)
		cmd.Stdin = r

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return updatemodule.Header{}, mendererrors.Wrap(mendererrors.KindGeneric, err, "running artifact header parser: "+strings.TrimSpace(stderr.String()))
		}

		var jh jsonHeader
		if err := json.Unmarshal(stdout.Bytes(), &jh); err != nil {
			return updatemodule.Header{}, mendererrors.Wrap(mendererrors.KindInvalidData, err, "decoding artifact header parser output")
		}

		return updatemodule.Header{
			PayloadType:    jh.PayloadType,
			Name:           jh.Name,
			Group:          jh.Group,
			Provides:       jh.Provides,
			ClearsProvides: jh.ClearsProvides,
		}, nil
	}
}
