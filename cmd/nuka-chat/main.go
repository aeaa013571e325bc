package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nidhogg/nuka-experts/internal/event"
)

func main() {
	_ = godotenv.Load()

	defaultServer := os.Getenv("NUKA_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	server := flag.String("server", defaultServer, "Nuka Experts server URL")
	user := flag.String("user", "cli-user", "User id for chat")
	flag.Parse()

	fmt.Println("Nuka Experts CLI Chat")
	fmt.Printf("Server: %s | User: %s\n", *server, *user)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /experts, /new")
	fmt.Println("---")

	c := &client{server: *server, user: *user, http: &http.Client{}}
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			fmt.Println("Bye!")
			return
		case input == "/experts":
			c.listExperts()
			continue
		case input == "/new":
			c.threadID = ""
			fmt.Println("Started a new thread.")
			continue
		}

		r := c.chat(input)
		for r != nil && r.awaiting {
			r = c.review(scanner, r)
		}
	}
}

type client struct {
	server   string
	user     string
	threadID string
	http     *http.Client
}

func (c *client) listExperts() {
	resp, err := c.http.Get(c.server + "/api/experts")
	if err != nil {
		printError("Failed to fetch experts: %v", err)
		return
	}
	defer resp.Body.Close()

	var experts []struct {
		Key         string `json:"key"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&experts); err != nil {
		printError("Failed to parse experts: %v", err)
		return
	}
	fmt.Println("Available experts:")
	for _, e := range experts {
		fmt.Printf("  %s (%s): %s\n", e.Key, e.Name, e.Description)
	}
}

func (c *client) chat(message string) *renderer {
	resp, err := c.post("/api/chat", map[string]string{
		"thread_id": c.threadID,
		"user_id":   c.user,
		"message":   message,
	})
	if err != nil {
		printError("Request failed: %v", err)
		return nil
	}
	if id := resp.Header.Get("X-Thread-ID"); id != "" {
		c.threadID = id
	}
	return c.follow(resp)
}

// review asks the user to approve the parked plan and resumes the thread.
func (c *client) review(scanner *bufio.Scanner, r *renderer) *renderer {
	fmt.Print("\nApprove this plan? [y]es / [n]o / [d]rop <task_id,...>: ")
	if !scanner.Scan() {
		return nil
	}
	answer := strings.TrimSpace(scanner.Text())

	body := map[string]interface{}{"thread_id": c.threadID, "approved": true}
	switch {
	case answer == "n" || answer == "no":
		body["approved"] = false
	case strings.HasPrefix(answer, "d"):
		drop := map[string]bool{}
		for _, id := range strings.Split(strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(answer, "drop"), "d")), ",") {
			drop[strings.TrimSpace(id)] = true
		}
		body["updated_plan"] = r.plan.without(drop)
	}

	resp, err := c.post("/api/resume", body)
	if err != nil {
		printError("Resume failed: %v", err)
		return nil
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		defer resp.Body.Close()
		var out struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&out)
		if out.Error != "" {
			printError("Resume rejected: %s", out.Error)
		} else {
			fmt.Printf("Plan %s.\n", out.Status)
		}
		return nil
	}
	return c.follow(resp)
}

func (c *client) follow(resp *http.Response) *renderer {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return nil
	}
	r := newRenderer(os.Stdout)
	if err := event.Decode(resp.Body, r.handle); err != nil {
		printError("Stream broken: %v", err)
	}
	return r
}

func (c *client) post(path string, body interface{}) (*http.Response, error) {
	data, _ := json.Marshal(body)
	return c.http.Post(c.server+path, "application/json", bytes.NewReader(data))
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
