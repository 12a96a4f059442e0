package versions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opFindOrCreateSnapshot = "versions.find_or_create_snapshot"
	opPatchSnapshot        = "versions.patch_snapshot"

	columnThumbnailReference = "thumbnail_reference"

	maxSnapshotNameLength = 1024
)

// snapshotCoreFields are the struct fields that make up a snapshot's identity.
var snapshotCoreFields = []string{
	"IdentityHash",
	"FileID",
	"ExternalReference",
	"Name",
	"ContentMarker",
	"Type",
	"ParentFileID",
}

var errSnapshotRaceUnresolved = errors.New("snapshot insert conflicted but no matching row was found")

// SnapshotAttributes is the core tuple of a snapshot, excluding the owning file.
type SnapshotAttributes struct {
	ExternalReference string
	Name              string
	ContentMarker     string
	Type              FileType
	ParentFileID      *FileID
}

// Validate checks the attribute tuple before it is hashed or persisted.
func (a SnapshotAttributes) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ExternalReference, validation.Required, validation.Length(1, maxIdentifierLength)),
		validation.Field(&a.Name, validation.Required, validation.Length(1, maxSnapshotNameLength)),
		validation.Field(&a.ContentMarker, validation.Length(0, maxIdentifierLength)),
		validation.Field(&a.Type, validation.Required, validation.In(FileTypeDocument, FileTypeFolder)),
	)
}

// AttributesOf returns the core tuple stored in snapshot.
func AttributesOf(snapshot Snapshot) SnapshotAttributes {
	attributes := SnapshotAttributes{
		ExternalReference: snapshot.ExternalReference,
		Name:              snapshot.Name,
		ContentMarker:     snapshot.ContentMarker,
		Type:              snapshot.Type,
	}
	if snapshot.ParentFileID != nil {
		parent := FileID(*snapshot.ParentFileID)
		attributes.ParentFileID = &parent
	}
	return attributes
}

// SupplementalAttributes are patched in place and never change a snapshot's identity.
// A nil field leaves the stored value untouched.
type SupplementalAttributes struct {
	ThumbnailReference *string
}

// identityHash returns the content address of a core tuple. Fields are length-prefixed so that
// no two distinct tuples share an encoding, and a null parent is encoded apart from any id.
func identityHash(fileID FileID, attributes SnapshotAttributes) string {
	var builder strings.Builder
	writeField := func(value string) {
		builder.WriteString(strconv.Itoa(len(value)))
		builder.WriteByte(':')
		builder.WriteString(value)
	}
	writeField(fileID.String())
	writeField(attributes.ExternalReference)
	writeField(attributes.Name)
	writeField(attributes.ContentMarker)
	writeField(string(attributes.Type))
	if attributes.ParentFileID == nil {
		builder.WriteByte('-')
	} else {
		builder.WriteByte('+')
		writeField(attributes.ParentFileID.String())
	}
	sum := xxh3.HashString128(builder.String())
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}

// BeforeUpdate rejects any update that would touch a core column of an existing snapshot.
func (snapshot *Snapshot) BeforeUpdate(tx *gorm.DB) error {
	for _, field := range snapshotCoreFields {
		if tx.Statement.Changed(field) {
			return &ImmutableRecordError{Record: "snapshot", ID: snapshot.ID, Detail: field + " is part of the snapshot identity"}
		}
	}
	return nil
}

// FindOrCreateSnapshot returns the snapshot of fileID whose core tuple equals attributes,
// inserting it when none exists. Supplemental attributes that differ are patched in place.
func (s *Service) FindOrCreateSnapshot(ctx context.Context, fileID FileID, attributes SnapshotAttributes, supplemental SupplementalAttributes) (Snapshot, error) {
	if err := attributes.Validate(); err != nil {
		return Snapshot{}, newServiceError(opFindOrCreateSnapshot, reasonInvalidInput, err)
	}

	var snapshot Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadFile(tx, opFindOrCreateSnapshot, fileID); err != nil {
			return err
		}
		if attributes.ParentFileID != nil {
			if _, err := s.loadFile(tx, opFindOrCreateSnapshot, *attributes.ParentFileID); err != nil {
				return err
			}
		}
		found, err := s.findOrCreateSnapshot(tx, fileID, attributes, supplemental)
		if err != nil {
			return err
		}
		snapshot = found
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

func (s *Service) findOrCreateSnapshot(tx *gorm.DB, fileID FileID, attributes SnapshotAttributes, supplemental SupplementalAttributes) (Snapshot, error) {
	hash := identityHash(fileID, attributes)
	fields := []zap.Field{zap.String(fieldFileID, fileID.String())}

	existing, found, err := s.snapshotByHash(tx, hash)
	if err != nil {
		return Snapshot{}, s.fail(opFindOrCreateSnapshot, reasonQueryFailed, err, fields...)
	}
	if found {
		return s.mergeSupplemental(tx, existing, supplemental)
	}

	snapshotID, err := s.newID(opFindOrCreateSnapshot)
	if err != nil {
		return Snapshot{}, err
	}
	candidate := Snapshot{
		ID:                snapshotID,
		IdentityHash:      hash,
		FileID:            fileID.String(),
		ExternalReference: attributes.ExternalReference,
		Name:              attributes.Name,
		ContentMarker:     attributes.ContentMarker,
		Type:              attributes.Type,
		CreatedAtSeconds:  s.nowSeconds(),
	}
	if attributes.ParentFileID != nil {
		candidate.ParentFileID = stringPointer(attributes.ParentFileID.String())
	}
	if supplemental.ThumbnailReference != nil {
		candidate.ThumbnailReference = *supplemental.ThumbnailReference
	}

	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_hash"}},
		DoNothing: true,
	}).Create(&candidate)
	if result.Error != nil {
		return Snapshot{}, s.fail(opFindOrCreateSnapshot, reasonInsertFailed, result.Error, fields...)
	}
	if result.RowsAffected > 0 {
		return candidate, nil
	}

	// A concurrent writer inserted the same tuple first.
	existing, found, err = s.snapshotByHash(tx, hash)
	if err != nil {
		return Snapshot{}, s.fail(opFindOrCreateSnapshot, reasonQueryFailed, err, fields...)
	}
	if !found {
		return Snapshot{}, s.fail(opFindOrCreateSnapshot, reasonInsertFailed, errSnapshotRaceUnresolved, fields...)
	}
	return s.mergeSupplemental(tx, existing, supplemental)
}

func (s *Service) snapshotByHash(tx *gorm.DB, hash string) (Snapshot, bool, error) {
	var snapshot Snapshot
	err := tx.Where("identity_hash = ?", hash).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return snapshot, true, nil
}

func (s *Service) mergeSupplemental(tx *gorm.DB, snapshot Snapshot, supplemental SupplementalAttributes) (Snapshot, error) {
	if supplemental.ThumbnailReference == nil || *supplemental.ThumbnailReference == snapshot.ThumbnailReference {
		return snapshot, nil
	}
	updates := map[string]any{columnThumbnailReference: *supplemental.ThumbnailReference}
	if err := tx.Model(&snapshot).Updates(updates).Error; err != nil {
		return Snapshot{}, s.fail(opFindOrCreateSnapshot, reasonUpdateFailed, err, zap.String(fieldSnapshotID, snapshot.ID))
	}
	snapshot.ThumbnailReference = *supplemental.ThumbnailReference
	return snapshot, nil
}

// PatchSnapshot applies column updates to an existing snapshot. Only supplemental columns
// may change; any core column fails with an ImmutableRecordError and nothing is written.
func (s *Service) PatchSnapshot(ctx context.Context, snapshotID SnapshotID, updates map[string]any) (Snapshot, error) {
	for column := range updates {
		if column != columnThumbnailReference {
			return Snapshot{}, &ImmutableRecordError{Record: "snapshot", ID: snapshotID.String(), Detail: column + " is part of the snapshot identity"}
		}
	}

	var snapshot Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", snapshotID.String()).Take(&snapshot).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("snapshot", snapshotID.String())
		}
		if err != nil {
			return s.fail(opPatchSnapshot, reasonQueryFailed, err, zap.String(fieldSnapshotID, snapshotID.String()))
		}
		if len(updates) == 0 {
			return nil
		}
		if err := tx.Model(&snapshot).Updates(updates).Error; err != nil {
			return s.fail(opPatchSnapshot, reasonUpdateFailed, err, zap.String(fieldSnapshotID, snapshotID.String()))
		}
		if thumbnail, ok := updates[columnThumbnailReference].(string); ok {
			snapshot.ThumbnailReference = thumbnail
		}
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// loadSnapshots fetches the given snapshots in one query keyed by id.
func (s *Service) loadSnapshots(tx *gorm.DB, ids []string) (map[string]Snapshot, error) {
	byID := make(map[string]Snapshot, len(ids))
	if len(ids) == 0 {
		return byID, nil
	}
	var snapshots []Snapshot
	if err := tx.Where("id IN ?", ids).Find(&snapshots).Error; err != nil {
		return nil, err
	}
	for _, snapshot := range snapshots {
		byID[snapshot.ID] = snapshot
	}
	return byID, nil
}
