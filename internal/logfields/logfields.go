package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyTaskID     = "task_id"
	KeyTaskType   = "task_type"
	KeyTaskStatus = "task_status"
	KeyRepoID     = "repo_id"
	KeyRepo       = "repository"
	KeyStage      = "stage"
	KeyBranch     = "branch"
	KeyCommit     = "commit"
	KeyPath       = "path"
	KeyFile       = "file"
	KeyPage       = "page"
	KeySection    = "section"
	KeyURL        = "url"
	KeyWorker     = "worker"
	KeyDurationMS = "duration_ms"
	KeyCount      = "count"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func TaskID(id string) slog.Attr      { return slog.String(KeyTaskID, id) }
func TaskType(t string) slog.Attr     { return slog.String(KeyTaskType, t) }
func TaskStatus(s string) slog.Attr   { return slog.String(KeyTaskStatus, s) }
func RepoID(id string) slog.Attr      { return slog.String(KeyRepoID, id) }
func Repository(r string) slog.Attr   { return slog.String(KeyRepo, r) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Branch(b string) slog.Attr       { return slog.String(KeyBranch, b) }
func Commit(h string) slog.Attr       { return slog.String(KeyCommit, h) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func File(f string) slog.Attr         { return slog.String(KeyFile, f) }
func Page(p string) slog.Attr         { return slog.String(KeyPage, p) }
func Section(s string) slog.Attr      { return slog.String(KeySection, s) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Worker(w string) slog.Attr       { return slog.String(KeyWorker, w) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Count(n int) slog.Attr           { return slog.Int(KeyCount, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
