package folders

import "github.com/agentworkforce/treemirror/internal/docsync"

type FolderEvent struct {
	TreeID      string `json:"treeId"`
	DisplayName string `json:"displayName,omitempty"`
	MirrorPath  string `json:"mirrorPath,omitempty"`
}

type ProgressEvent struct {
	TreeID string `json:"treeId"`
	Done   int    `json:"done"`
	Total  int    `json:"total"`
}

type SyncCompletedEvent struct {
	TreeID string             `json:"treeId"`
	Report docsync.SyncReport `json:"report"`
}

type WritebackEvent struct {
	TreeID  string `json:"treeId"`
	Path    string `json:"path"`
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
	Bytes   int64  `json:"bytes,omitempty"`
	Error   string `json:"error,omitempty"`
}
