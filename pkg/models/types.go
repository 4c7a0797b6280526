package models

// Repository identifies a remote GitHub repository. Name is used as a
// filesystem path segment, FullName ("owner/name") builds API URLs.
type Repository struct {
	Name          string         `json:"name"`
	FullName      string         `json:"full_name"`
	Private       bool           `json:"private"`
	DefaultBranch string         `json:"default_branch,omitempty"`
	HTMLURL       string         `json:"html_url,omitempty"`
	PushedAt      string         `json:"pushed_at,omitempty"`
	Collaborators []Collaborator `json:"collaborators"`
}

// Branch is one entry from the branch-listing call. Rebuilt on every sync.
type Branch struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

type Collaborator struct {
	Login       string          `json:"login"`
	AvatarURL   string          `json:"avatar_url,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
}

type SyncStatus string

const (
	SyncSuccess   SyncStatus = "success"
	SyncEmpty     SyncStatus = "empty"
	SyncCancelled SyncStatus = "cancelled"
	SyncError     SyncStatus = "error"
)

// SyncResult is what one orchestration pass returns to the caller.
// Never persisted.
type SyncResult struct {
	Status  SyncStatus `json:"status"`
	Message string     `json:"message"`
	Updated bool       `json:"updated,omitempty"`
	Repo    string     `json:"repo,omitempty"`
}
