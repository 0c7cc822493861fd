// Command chat is a terminal client for asking questions about an indexed
// recording through the API server.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

type source struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	State    string `json:"state"`
}

type askRequest struct {
	SourceID string `json:"source_id"`
	Question string `json:"question"`
}

type askResponse struct {
	Answer struct {
		Text          string   `json:"text"`
		CitedChunkIDs []string `json:"cited_chunk_ids,omitempty"`
		NoContext     bool     `json:"no_context,omitempty"`
	} `json:"answer"`
	Sources []struct {
		Text    string  `json:"text"`
		StartMS int64   `json:"start_ms"`
		EndMS   int64   `json:"end_ms"`
		Score   float32 `json:"score"`
	} `json:"sources"`
}

func main() {
	var (
		apiURL   = flag.String("api", envOr("ECHOQUERY_API_URL", "http://localhost:8080"), "API server base URL")
		sourceID = flag.String("source", "", "source id to ask about (defaults to the first indexed source)")
		verbose  = flag.Bool("v", false, "print retrieved excerpts with scores")
	)
	flag.Parse()

	client := &http.Client{Timeout: 2 * time.Minute}

	id := *sourceID
	if id == "" {
		var err error
		id, err = pickSource(client, *apiURL)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("asking about source %s (ctrl-d to quit)\n", id)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}

		resp, err := ask(client, *apiURL, id, question)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}

		fmt.Println(resp.Answer.Text)
		if *verbose && !resp.Answer.NoContext {
			for _, s := range resp.Sources {
				fmt.Printf("  [%.2f] %s-%s  %s\n", s.Score, fmtMS(s.StartMS), fmtMS(s.EndMS), truncate(s.Text, 100))
			}
		}
	}
}

func pickSource(client *http.Client, apiURL string) (string, error) {
	resp, err := client.Get(apiURL + "/api/sources")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var sources []source
	if err := json.NewDecoder(resp.Body).Decode(&sources); err != nil {
		return "", fmt.Errorf("decode sources: %w", err)
	}
	for _, s := range sources {
		if s.State == "indexed" {
			fmt.Printf("using %s (%s)\n", s.Filename, s.ID)
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("no indexed sources available, upload audio first")
}

func ask(client *http.Client, apiURL, sourceID, question string) (askResponse, error) {
	body, _ := json.Marshal(askRequest{SourceID: sourceID, Question: question})
	resp, err := client.Post(apiURL+"/api/ask", "application/json", bytes.NewReader(body))
	if err != nil {
		return askResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return askResponse{}, fmt.Errorf("api %d: %s", resp.StatusCode, e.Error)
	}

	var out askResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return askResponse{}, fmt.Errorf("decode answer: %w", err)
	}
	return out, nil
}

func fmtMS(ms int64) string {
	s := ms / 1000
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
