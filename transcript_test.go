package mcp_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/tools/txtar"
)

// TestTranscripts replays the wire conversations in testdata/*.txtar against the test fixture.
// Each archive alternates "send" sections, whose lines are written to the server verbatim, with
// "recv" sections listing the messages expected next, compared as decoded JSON. A send section
// holds at most one request, so the server's output order is deterministic.
func TestTranscripts(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "*.txtar"))
	if err != nil {
		t.Fatalf("failed to list transcripts: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("no transcripts found")
	}

	for _, file := range files {
		t.Run(strings.TrimSuffix(filepath.Base(file), ".txtar"), func(t *testing.T) {
			data, err := os.ReadFile(file)
			if err != nil {
				t.Fatalf("failed to read transcript: %v", err)
			}
			ar := txtar.Parse(data)

			f := newFixture(t)
			_, peer := startRawServer(t, f.registry)

			for _, section := range ar.Files {
				lines := transcriptLines(section.Data)
				switch section.Name {
				case "send":
					for _, line := range lines {
						peer.sendLine(line)
					}
				case "recv":
					for _, line := range lines {
						var want any
						if err := json.Unmarshal([]byte(line), &want); err != nil {
							t.Fatalf("invalid expected message %q: %v", line, err)
						}
						bs, err := json.Marshal(peer.next())
						if err != nil {
							t.Fatalf("failed to marshal received message: %v", err)
						}
						var got any
						if err := json.Unmarshal(bs, &got); err != nil {
							t.Fatalf("failed to unmarshal received message: %v", err)
						}
						if diff := cmp.Diff(want, got); diff != "" {
							t.Fatalf("message mismatch (-want +got):\n%s", diff)
						}
					}
				default:
					t.Fatalf("unknown section %q", section.Name)
				}
			}
			peer.quiet(50 * time.Millisecond)
		})
	}
}

func transcriptLines(data []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
