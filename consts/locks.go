package consts

// MigrationAdvisoryLockID is the PostgreSQL advisory lock held while schema
// migrations run, so a server and the admin tool never migrate concurrently.
const MigrationAdvisoryLockID = 58217403
