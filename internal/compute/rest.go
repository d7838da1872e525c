package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DefaultBaseURL is the production endpoint of the geospatial task API.
const DefaultBaseURL = "https://earthengine.googleapis.com/v1"

// scope requested for the service-account token.
const scope = "https://www.googleapis.com/auth/earthengine"

// restClient is the HTTP implementation of Client. All calls are synchronous
// blocking I/O with a per-request timeout; retry policy belongs to the
// poller, not here.
type restClient struct {
	baseURL string
	http    *http.Client
}

// NewRESTClient builds a Client authenticated with the service-account
// credentials file. baseURL may be empty, in which case DefaultBaseURL is
// used.
func NewRESTClient(ctx context.Context, credentialsFile, baseURL string) (Client, error) {
	raw, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("compute: reading credentials file: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, raw, scope)
	if err != nil {
		return nil, fmt.Errorf("compute: parsing credentials: %w", err)
	}

	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := oauth2.NewClient(ctx, creds.TokenSource)
	httpClient.Timeout = 60 * time.Second

	return &restClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}, nil
}

type listImagesResponse struct {
	Images []struct {
		Name      string    `json:"name"`
		StartTime time.Time `json:"startTime"`
	} `json:"images"`
	NextPageToken string `json:"nextPageToken"`
}

// ListCollection pages through {collection}:listImages and returns the
// membership sorted by name (the API lists lexicographically).
func (c *restClient) ListCollection(ctx context.Context, path string) ([]ImageInfo, error) {
	var images []ImageInfo
	pageToken := ""
	for {
		u := fmt.Sprintf("%s/%s:listImages", c.baseURL, url.PathEscape(path))
		if pageToken != "" {
			u += "?pageToken=" + url.QueryEscape(pageToken)
		}

		var resp listImagesResponse
		if err := c.getJSON(ctx, u, &resp); err != nil {
			return nil, fmt.Errorf("compute: list collection %q: %w", path, err)
		}
		for _, img := range resp.Images {
			images = append(images, ImageInfo{Name: baseName(img.Name), Date: img.StartTime})
		}
		if resp.NextPageToken == "" {
			return images, nil
		}
		pageToken = resp.NextPageToken
	}
}

type submitResponse struct {
	Name  string `json:"name"` // task identifier
	State string `json:"state"`
}

// SubmitImageTask queues one image-generation task.
func (c *restClient) SubmitImageTask(ctx context.Context, spec ImageTaskSpec) (Submission, error) {
	body := map[string]any{
		"type":              "IMAGE_EXPORT",
		"description":       spec.Name,
		"month":             spec.Month,
		"collection":        spec.CollectionPath,
		"aoiAsset":          spec.AOIAssetPath,
		"demAsset":          spec.DEMAssetPath,
		"sourceCollections": spec.SourceCollections,
	}
	return c.submit(ctx, body)
}

// SubmitTableTask queues one table-statistics task.
func (c *restClient) SubmitTableTask(ctx context.Context, spec TableTaskSpec) (Submission, error) {
	body := map[string]any{
		"type":        "TABLE_EXPORT",
		"description": spec.Name,
		"collection":  spec.Collection,
		"target":      string(spec.Target),
		"bucket":      spec.Bucket,
		"path":        spec.Path,
	}
	return c.submit(ctx, body)
}

func (c *restClient) submit(ctx context.Context, body map[string]any) (Submission, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Submission{}, fmt.Errorf("compute: marshal task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks:submit", bytes.NewReader(payload))
	if err != nil {
		return Submission{}, fmt.Errorf("compute: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Submission{}, fmt.Errorf("compute: submit task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Submission{}, fmt.Errorf("compute: submit task: unexpected status %s", resp.Status)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Submission{}, fmt.Errorf("compute: decode submit response: %w", err)
	}
	return Submission{TaskID: sr.Name, Status: sr.State}, nil
}

type taskResponse struct {
	State        string `json:"state"`
	ErrorMessage string `json:"errorMessage"`
}

// QueryTask reports the raw remote state of one task. A non-nil error means
// the query itself failed and should be retried with backoff.
func (c *restClient) QueryTask(ctx context.Context, taskID string) (TaskState, error) {
	u := fmt.Sprintf("%s/tasks/%s", c.baseURL, url.PathEscape(taskID))

	var tr taskResponse
	if err := c.getJSON(ctx, u, &tr); err != nil {
		return TaskState{}, fmt.Errorf("compute: query task %q: %w", taskID, err)
	}
	return TaskState{Status: tr.State, Message: tr.ErrorMessage}, nil
}

func (c *restClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// baseName trims the collection prefix from a fully qualified asset name.
func baseName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
