package cmds

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ReadFrames loads recorded frames from a file: one JSON object per line for
// .jsonl/.ndjson (blank lines and "#" comments skipped), or a YAML sequence
// of frame objects for .yaml/.yml.
func ReadFrames(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open frames file")
	}
	defer func() { _ = f.Close() }()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeYAMLFrames(f)
	default:
		return decodeJSONLFrames(f)
	}
}

func decodeJSONLFrames(r io.Reader) ([][]byte, error) {
	var out [][]byte
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		out = append(out, append([]byte(nil), line...))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read frames")
	}
	return out, nil
}

func decodeYAMLFrames(r io.Reader) ([][]byte, error) {
	var docs []map[string]interface{}
	if err := yaml.NewDecoder(r).Decode(&docs); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "decode yaml frames")
	}
	out := make([][]byte, 0, len(docs))
	for i, d := range docs {
		b, err := json.Marshal(d)
		if err != nil {
			return nil, errors.Wrapf(err, "frame %d", i)
		}
		out = append(out, b)
	}
	return out, nil
}
