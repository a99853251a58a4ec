package discussions

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jimdaga/colloquium/internal/apperr"
	"github.com/jimdaga/colloquium/internal/models"
	"github.com/jimdaga/colloquium/internal/visibility"
	"gorm.io/gorm"
)

// FileView is a manuscript file without its content
type FileView struct {
	ID          uint   `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Kind        string `json:"kind"`
}

func (s *Service) fileAccess(ctx context.Context, caller Caller, manuscriptID uint) (visibility.Viewer, error) {
	var m models.Manuscript
	if err := s.db.WithContext(ctx).Select("id", "status").First(&m, manuscriptID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return visibility.Viewer{}, apperr.NotFound("manuscript %d not found", manuscriptID)
		}
		return visibility.Viewer{}, fmt.Errorf("failed to load manuscript: %w", err)
	}
	viewer, err := s.viewer(ctx, caller, manuscriptID)
	if err != nil {
		return visibility.Viewer{}, err
	}
	if !visibility.CanViewFiles(viewer.Role, m.Status, s.publicAcceptedFiles) {
		return visibility.Viewer{}, apperr.Permission("files of manuscript %d are not available", manuscriptID)
	}
	return viewer, nil
}

func visibleKind(viewer visibility.Viewer, kind string) bool {
	return kind != models.FileKindReport || viewer.Role.IsEditorial()
}

// ListFiles returns the manuscript files the caller may download
func (s *Service) ListFiles(ctx context.Context, caller Caller, manuscriptID uint) ([]FileView, error) {
	viewer, err := s.fileAccess(ctx, caller, manuscriptID)
	if err != nil {
		return nil, err
	}
	var files []models.ManuscriptFile
	if err := s.db.WithContext(ctx).
		Select("id", "filename", "content_type", "size", "kind").
		Where("manuscript_id = ?", manuscriptID).
		Order("id ASC").
		Find(&files).Error; err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	views := make([]FileView, 0, len(files))
	for _, f := range files {
		if !visibleKind(viewer, f.Kind) {
			continue
		}
		views = append(views, FileView{ID: f.ID, Filename: f.Filename, ContentType: f.ContentType, Size: f.Size, Kind: f.Kind})
	}
	return views, nil
}

// File loads one file with its content. Files the caller may not see are
// reported as missing.
func (s *Service) File(ctx context.Context, caller Caller, fileID uint) (*models.ManuscriptFile, error) {
	var f models.ManuscriptFile
	if err := s.db.WithContext(ctx).First(&f, fileID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("file %d not found", fileID)
		}
		return nil, fmt.Errorf("failed to load file: %w", err)
	}
	viewer, err := s.fileAccess(ctx, caller, f.ManuscriptID)
	if err != nil {
		if apperr.Is(err, apperr.KindPermission) {
			return nil, apperr.NotFound("file %d not found", fileID)
		}
		return nil, err
	}
	if !visibleKind(viewer, f.Kind) {
		return nil, apperr.NotFound("file %d not found", fileID)
	}
	return &f, nil
}

// ListFilesHandler lists a manuscript's downloadable files
func ListFilesHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		mID, ok := idParam(c, "id")
		if !ok {
			return
		}
		files, err := svc.ListFiles(c.Request.Context(), callerFrom(c), mID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"files": files})
	}
}

// DownloadFileHandler streams one file's content
func DownloadFileHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileID, ok := idParam(c, "id")
		if !ok {
			return
		}
		f, err := svc.File(c.Request.Context(), callerFrom(c), fileID)
		if err != nil {
			writeError(c, err)
			return
		}
		contentType := f.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Filename))
		c.Data(http.StatusOK, contentType, f.Content)
	}
}
