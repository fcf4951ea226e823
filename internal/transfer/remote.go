package transfer

import (
	"github.com/loykin/fielddaq/internal/config"
	"github.com/loykin/fielddaq/internal/daqerr"
)

// FromConfig builds the configured Remote. It returns nil, nil when no
// backend is configured.
func FromConfig(c config.TransferConfig) (Remote, error) {
	switch c.Backend {
	case "":
		return nil, nil
	case "local":
		return &LocalRemote{Root: c.Local.Dir}, nil
	case "sftp":
		return NewSFTPRemote(c.SFTP, c.Timeout)
	case "s3":
		return NewS3Remote(c.S3)
	default:
		return nil, daqerr.Configf("unknown transfer backend %q", c.Backend)
	}
}
