package db

// Schema defines the SQLite schema for flash run history. One row per
// workflow run against a device, updated as the run moves through its
// steps.
const Schema = `
CREATE TABLE IF NOT EXISTS flash_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_path TEXT NOT NULL,
    layout TEXT NOT NULL,
    image_key TEXT,
    image_sha256 TEXT,
    status TEXT NOT NULL CHECK(status IN (
        'pending', 'fetching', 'unmounting', 'partitioning', 'formatting',
        'flashing', 'verifying', 'completed', 'completed_with_warnings',
        'failed', 'aborted')),
    last_step TEXT,
    bytes_written INTEGER NOT NULL DEFAULT 0,
    warnings TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_flash_runs_device ON flash_runs(device_path);
CREATE INDEX IF NOT EXISTS idx_flash_runs_status ON flash_runs(status);
CREATE INDEX IF NOT EXISTS idx_flash_runs_created_at ON flash_runs(created_at);
`

// Status constants, mirroring the workflow's step and terminal states.
const (
	StatusPending               = "pending"
	StatusFetching              = "fetching"
	StatusUnmounting            = "unmounting"
	StatusPartitioning          = "partitioning"
	StatusFormatting            = "formatting"
	StatusFlashing              = "flashing"
	StatusVerifying             = "verifying"
	StatusCompleted             = "completed"
	StatusCompletedWithWarnings = "completed_with_warnings"
	StatusFailed                = "failed"
	StatusAborted               = "aborted"
)

// FlashRun represents one recorded workflow run.
type FlashRun struct {
	ID           int64
	DevicePath   string
	Layout       string
	ImageKey     string
	ImageSHA256  string
	Status       string
	LastStep     string
	BytesWritten int64
	Warnings     string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
