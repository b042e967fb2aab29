package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"paperflow/internal/logger"
)

// File is a document store entry.
type File struct {
	ID       string
	Name     string
	MimeType string
	Modified time.Time
}

// DocumentStore is the folder-of-documents surface the pipeline consumes:
// list, download, create-with-name, duplicate check, copy and move.
type DocumentStore interface {
	ListFolder(ctx context.Context, folderID string) ([]File, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	CreateFile(ctx context.Context, folderID, name, mimeType string, data []byte) (string, error)
	Exists(ctx context.Context, folderID, name string) (bool, error)
	CopyTo(ctx context.Context, fileID, folderID string) error
	MoveTo(ctx context.Context, fileID, fromFolderID, toFolderID string) error
}

// DriveStore implements DocumentStore on Google Drive.
type DriveStore struct {
	service *drive.Service
	log     zerolog.Logger
}

// NewDriveStore authenticates against Drive using a service account, from
// GOOGLE_APPLICATION_CREDENTIALS (file path) or GOOGLE_CREDENTIALS
// (inline JSON).
func NewDriveStore(ctx context.Context) (*DriveStore, error) {
	const op = "NewDriveStore"

	log := logger.WithComponent("drive")

	var creds []byte
	var err error
	if credsFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credsFile != "" {
		creds, err = os.ReadFile(credsFile)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read credentials file: %w", op, err)
		}
	} else if credsJSON := os.Getenv("GOOGLE_CREDENTIALS"); credsJSON != "" {
		creds = []byte(credsJSON)
	} else {
		return nil, fmt.Errorf("%s: neither GOOGLE_APPLICATION_CREDENTIALS nor GOOGLE_CREDENTIALS is set", op)
	}

	jwtConfig, err := google.JWTConfigFromJSON(creds, drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse credentials: %w", op, err)
	}

	service, err := drive.NewService(ctx, option.WithHTTPClient(jwtConfig.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create Drive service: %w", op, err)
	}

	log.Debug().Msg("Drive service created")
	return &DriveStore{service: service, log: log}, nil
}

// ListFolder returns the non-trashed files directly inside a folder.
func (s *DriveStore) ListFolder(ctx context.Context, folderID string) ([]File, error) {
	const op = "ListFolder"

	query := fmt.Sprintf("'%s' in parents and trashed = false", folderID)
	var files []File
	pageToken := ""
	for {
		call := s.service.Files.List().
			Q(query).
			Fields("nextPageToken, files(id, name, mimeType, modifiedTime)").
			OrderBy("name").
			PageSize(200).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		list, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("%s: failed to list folder %s: %w", op, folderID, err)
		}
		for _, f := range list.Files {
			modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
			files = append(files, File{
				ID:       f.Id,
				Name:     f.Name,
				MimeType: f.MimeType,
				Modified: modified,
			})
		}
		pageToken = list.NextPageToken
		if pageToken == "" {
			break
		}
	}

	s.log.Debug().Str("folder", folderID).Int("files", len(files)).Msg("Folder listed")
	return files, nil
}

// Download fetches a file's content.
func (s *DriveStore) Download(ctx context.Context, fileID string) ([]byte, error) {
	const op = "Download"

	resp, err := s.service.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to download %s: %w", op, fileID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read %s: %w", op, fileID, err)
	}
	return data, nil
}

// CreateFile uploads a new file into a folder.
func (s *DriveStore) CreateFile(ctx context.Context, folderID, name, mimeType string, data []byte) (string, error) {
	const op = "CreateFile"

	created, err := s.service.Files.Create(&drive.File{
		Name:     name,
		Parents:  []string{folderID},
		MimeType: mimeType,
	}).Media(bytes.NewReader(data)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("%s: failed to create %q in %s: %w", op, name, folderID, err)
	}

	s.log.Debug().Str("file", name).Str("folder", folderID).Str("id", created.Id).Msg("File created")
	return created.Id, nil
}

// Exists reports whether a same-named file already sits in the folder.
// Idempotent writes hang off this check.
func (s *DriveStore) Exists(ctx context.Context, folderID, name string) (bool, error) {
	const op = "Exists"

	query := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false",
		folderID, strings.ReplaceAll(name, "'", "\\'"))
	list, err := s.service.Files.List().Q(query).Fields("files(id)").PageSize(1).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("%s: failed to check %q in %s: %w", op, name, folderID, err)
	}
	return len(list.Files) > 0, nil
}

// CopyTo copies a file into another folder, keeping the original.
func (s *DriveStore) CopyTo(ctx context.Context, fileID, folderID string) error {
	const op = "CopyTo"

	_, err := s.service.Files.Copy(fileID, &drive.File{
		Parents: []string{folderID},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to copy %s to %s: %w", op, fileID, folderID, err)
	}
	return nil
}

// MoveTo reparents a file from one folder to another.
func (s *DriveStore) MoveTo(ctx context.Context, fileID, fromFolderID, toFolderID string) error {
	const op = "MoveTo"

	_, err := s.service.Files.Update(fileID, nil).
		AddParents(toFolderID).
		RemoveParents(fromFolderID).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to move %s to %s: %w", op, fileID, toFolderID, err)
	}
	return nil
}
