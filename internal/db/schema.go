package db

import "context"

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS user_accounts (
  id UUID PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  completed_scans INTEGER NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scans (
  id UUID PRIMARY KEY,
  user_id UUID NOT NULL,
  repo_url TEXT,
  repo_token TEXT,
  target_url TEXT,
  status TEXT NOT NULL DEFAULT 'queued'
    CHECK (status IN ('queued','cloning','scanning','translating','complete','failed')),
  critical_count INTEGER NOT NULL DEFAULT 0,
  high_count INTEGER NOT NULL DEFAULT 0,
  medium_count INTEGER NOT NULL DEFAULT 0,
  low_count INTEGER NOT NULL DEFAULT 0,
  total_findings INTEGER NOT NULL DEFAULT 0,
  score INTEGER CHECK (score BETWEEN 0 AND 100),
  includes_dast BOOLEAN NOT NULL DEFAULT FALSE,
  error_msg TEXT,
  worker_id TEXT,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  started_at TIMESTAMPTZ,
  completed_at TIMESTAMPTZ,
  CHECK (repo_url IS NOT NULL OR target_url IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_scans_status_created ON scans (status, created_at);
CREATE INDEX IF NOT EXISTS idx_scans_user ON scans (user_id, status);

CREATE TABLE IF NOT EXISTS findings (
  id BIGSERIAL PRIMARY KEY,
  scan_id UUID NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
  severity TEXT NOT NULL CHECK (severity IN ('critical','high','medium','low','info')),
  category TEXT NOT NULL,
  rule_id TEXT NOT NULL,
  file_path TEXT NOT NULL DEFAULT '',
  line INTEGER,
  url TEXT,
  snippet TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL DEFAULT '',
  raw JSONB NOT NULL DEFAULT '{}'::jsonb,
  status TEXT NOT NULL DEFAULT 'open'
    CHECK (status IN ('open','fixed','accepted','false_positive')),
  plain_english TEXT NOT NULL DEFAULT '',
  business_impact TEXT NOT NULL DEFAULT '',
  fix_prompt TEXT NOT NULL DEFAULT '',
  verification_step TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_findings_scan_severity ON findings (scan_id, severity);
CREATE INDEX IF NOT EXISTS idx_findings_scan_category ON findings (scan_id, category);
`)
	return err
}
