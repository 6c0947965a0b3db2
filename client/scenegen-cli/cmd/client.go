package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// apiClient talks to the reconstruction service's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string, timeout time.Duration) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx answer from the service.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *apiClient) do(method, path, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

func (c *apiClient) submit(kind string, sources []string, email, hints string) ([]byte, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"kind":    kind,
		"sources": sources,
		"email":   email,
		"hints":   hints,
	})
	if err != nil {
		return nil, err
	}
	return c.do(http.MethodPost, "/api/v1/tasks", "application/json", bytes.NewReader(payload))
}

func (c *apiClient) upload(files []string, kind, email, hints string) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		part, err := w.CreateFormFile("files", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", path, err)
		}
	}
	for k, v := range map[string]string{"kind": kind, "email": email, "hints": hints} {
		if v != "" {
			w.WriteField(k, v)
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return c.do(http.MethodPost, "/api/v1/uploads", w.FormDataContentType(), &body)
}

func (c *apiClient) get(path string) ([]byte, error) {
	return c.do(http.MethodGet, path, "", nil)
}

func (c *apiClient) taskPath(id, suffix string) string {
	return "/api/v1/tasks/" + url.PathEscape(id) + suffix
}

// watch streams task events until the server closes the stream or handle returns false.
func (c *apiClient) watch(id string, handle func([]byte) bool) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws/tasks/" + url.PathEscape(id)

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return &apiError{Status: resp.StatusCode, Message: "cannot subscribe to task " + id}
		}
		return err
	}
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if !handle(message) {
			return nil
		}
	}
}

func printJSON(w io.Writer, data []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Fprintln(w, string(data))
		return
	}
	fmt.Fprintln(w, pretty.String())
}
