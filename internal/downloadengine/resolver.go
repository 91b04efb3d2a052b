package downloadengine

import "strings"

// URLResolver builds the fetchable URL for one file within a model
// repo (§6: `{repo_base}/{repo}/resolve/main/{path}`).
type URLResolver func(repo, remotePath string) string

// HuggingFaceResolver resolves files the way the Hugging Face Hub
// serves them: `{base}/{repo}/resolve/main/{path}`.
func HuggingFaceResolver(baseURL string) URLResolver {
	base := strings.TrimRight(baseURL, "/")
	return func(repo, remotePath string) string {
		return base + "/" + strings.Trim(repo, "/") + "/resolve/main/" + strings.TrimLeft(remotePath, "/")
	}
}
