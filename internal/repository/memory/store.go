// Package memory provides an in-process Store used by tests and by the
// server when storage.driver is "memory". Transactions journal the inverse of
// each of their writes and replay it when the callback fails, so writes made
// outside the transaction survive a rollback.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/biosurvey/internal/domain"
	"github.com/rpattn/biosurvey/internal/repository"

	"github.com/google/uuid"
)

type memoryState struct {
	nextID   int64
	projects map[int64]domain.Project
	datasets map[int64]domain.Dataset
	sites    map[int64]domain.Site
	records  map[int64]domain.Record
	logs     []domain.IngestionLogEntry
}

func newState() *memoryState {
	return &memoryState{
		projects: make(map[int64]domain.Project),
		datasets: make(map[int64]domain.Dataset),
		sites:    make(map[int64]domain.Site),
		records:  make(map[int64]domain.Record),
	}
}

func (s *memoryState) allocate() int64 {
	s.nextID++
	return s.nextID
}

// journal holds the undo steps of one transaction, oldest first. A nil
// journal records nothing.
type journal struct {
	undo []func(*memoryState)
}

func (j *journal) add(fn func(*memoryState)) {
	if j != nil {
		j.undo = append(j.undo, fn)
	}
}

func (j *journal) rollback(state *memoryState) {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i](state)
	}
}

type shared struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state *memoryState
}

// Store is an in-memory repository.Store.
type Store struct {
	shared *shared
	tx     *journal
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{shared: &shared{state: newState()}}
}

var _ repository.Store = (*Store)(nil)

func (s *Store) Projects() repository.ProjectRepository           { return projectRepo{s.shared, s.tx} }
func (s *Store) Datasets() repository.DatasetRepository           { return datasetRepo{s.shared, s.tx} }
func (s *Store) Sites() repository.SiteRepository                 { return siteRepo{s.shared, s.tx} }
func (s *Store) Records() repository.RecordRepository             { return recordRepo{s.shared, s.tx} }
func (s *Store) IngestionLogs() repository.IngestionLogRepository { return logRepo{s.shared, s.tx} }

// WithTx serializes transactions and undoes the transaction's own writes when
// fn fails. IDs handed out inside a failed transaction are not reused.
func (s *Store) WithTx(ctx context.Context, fn func(repository.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.shared.txMu.Lock()
	defer s.shared.txMu.Unlock()

	tx := &journal{}
	if err := fn(&Store{shared: s.shared, tx: tx}); err != nil {
		s.shared.mu.Lock()
		tx.rollback(s.shared.state)
		s.shared.mu.Unlock()
		return err
	}
	return nil
}

type projectRepo struct {
	s *shared
	j *journal
}

func (r projectRepo) Create(_ context.Context, project domain.Project) (domain.Project, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	project.ID = r.s.state.allocate()
	stamp(&project.CreatedAt, &project.UpdatedAt)
	r.s.state.projects[project.ID] = project
	id := project.ID
	r.j.add(func(st *memoryState) { delete(st.projects, id) })
	return project, nil
}

func (r projectRepo) GetByID(_ context.Context, id int64) (domain.Project, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	project, ok := r.s.state.projects[id]
	if !ok {
		return domain.Project{}, fmt.Errorf("project %d: %w", id, repository.ErrNotFound)
	}
	return project, nil
}

func (r projectRepo) List(_ context.Context) ([]domain.Project, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	projects := make([]domain.Project, 0, len(r.s.state.projects))
	for _, p := range r.s.state.projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (r projectRepo) Count(_ context.Context) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return int64(len(r.s.state.projects)), nil
}

type datasetRepo struct {
	s *shared
	j *journal
}

func (r datasetRepo) Create(_ context.Context, dataset domain.Dataset) (domain.Dataset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.projects[dataset.ProjectID]; !ok {
		return domain.Dataset{}, fmt.Errorf("project %d: %w", dataset.ProjectID, repository.ErrNotFound)
	}
	for _, existing := range r.s.state.datasets {
		if existing.ProjectID == dataset.ProjectID && existing.Name == dataset.Name {
			return domain.Dataset{}, fmt.Errorf("dataset %q already exists in project %d", dataset.Name, dataset.ProjectID)
		}
	}
	dataset.ID = r.s.state.allocate()
	dataset.Schema = dataset.Schema.Clone()
	stamp(&dataset.CreatedAt, &dataset.UpdatedAt)
	r.s.state.datasets[dataset.ID] = dataset
	id := dataset.ID
	r.j.add(func(st *memoryState) { delete(st.datasets, id) })
	return dataset, nil
}

func (r datasetRepo) GetByID(_ context.Context, id int64) (domain.Dataset, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	dataset, ok := r.s.state.datasets[id]
	if !ok {
		return domain.Dataset{}, fmt.Errorf("dataset %d: %w", id, repository.ErrNotFound)
	}
	dataset.Schema = dataset.Schema.Clone()
	return dataset, nil
}

func (r datasetRepo) ListByProject(_ context.Context, projectID int64) ([]domain.Dataset, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	datasets := []domain.Dataset{}
	for _, d := range r.s.state.datasets {
		if d.ProjectID == projectID {
			datasets = append(datasets, d)
		}
	}
	sort.Slice(datasets, func(i, j int) bool { return datasets[i].ID < datasets[j].ID })
	return datasets, nil
}

func (r datasetRepo) CountByType(_ context.Context) (map[domain.DatasetType]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := emptyTypeCounts()
	for _, d := range r.s.state.datasets {
		counts[d.Type]++
	}
	return counts, nil
}

type siteRepo struct {
	s *shared
	j *journal
}

func (r siteRepo) FindByKey(_ context.Context, projectID int64, keyField, value string) (*domain.Site, error) {
	if !domain.IsSiteKey(keyField) {
		return nil, fmt.Errorf("unsupported site key field %q", keyField)
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	site, ok := r.s.state.findSite(projectID, keyField, value)
	if !ok {
		return nil, nil
	}
	return &site, nil
}

func (r siteRepo) CreateOrGet(_ context.Context, site domain.Site) (domain.Site, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.projects[site.ProjectID]; !ok {
		return domain.Site{}, false, fmt.Errorf("project %d: %w", site.ProjectID, repository.ErrNotFound)
	}
	if site.Code != "" {
		if existing, ok := r.s.state.findSite(site.ProjectID, domain.SiteKeyCode, site.Code); ok {
			return existing, false, nil
		}
	}
	site.ID = r.s.state.allocate()
	stamp(&site.CreatedAt, &site.UpdatedAt)
	r.s.state.sites[site.ID] = site
	id := site.ID
	r.j.add(func(st *memoryState) { delete(st.sites, id) })
	return site, true, nil
}

func (r siteRepo) GetByIDs(_ context.Context, ids []int64) ([]domain.Site, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sites := make([]domain.Site, 0, len(ids))
	for _, id := range ids {
		if site, ok := r.s.state.sites[id]; ok {
			sites = append(sites, site)
		}
	}
	return sites, nil
}

func (r siteRepo) ListByProject(_ context.Context, projectID int64) ([]domain.Site, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sites := []domain.Site{}
	for _, site := range r.s.state.sites {
		if site.ProjectID == projectID {
			sites = append(sites, site)
		}
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	return sites, nil
}

func (r siteRepo) Count(_ context.Context) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return int64(len(r.s.state.sites)), nil
}

// findSite returns the lowest-ID site matching the key, like the SQL lookup.
func (s *memoryState) findSite(projectID int64, keyField, value string) (domain.Site, bool) {
	var (
		found domain.Site
		ok    bool
	)
	for _, site := range s.sites {
		if site.ProjectID != projectID || site.KeyValue(keyField) != value {
			continue
		}
		if !ok || site.ID < found.ID {
			found, ok = site, true
		}
	}
	return found, ok
}

type recordRepo struct {
	s *shared
	j *journal
}

func (r recordRepo) Create(_ context.Context, record domain.Record) (domain.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.state.datasets[record.DatasetID]; !ok {
		return domain.Record{}, fmt.Errorf("dataset %d: %w", record.DatasetID, repository.ErrNotFound)
	}
	record = record.WithData(record.Data)
	record.ID = r.s.state.allocate()
	stamp(&record.CreatedAt, &record.UpdatedAt)
	r.s.state.records[record.ID] = record
	id := record.ID
	r.j.add(func(st *memoryState) { delete(st.records, id) })
	return record, nil
}

func (r recordRepo) GetByID(_ context.Context, id int64) (domain.Record, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	record, ok := r.s.state.records[id]
	if !ok {
		return domain.Record{}, fmt.Errorf("record %d: %w", id, repository.ErrNotFound)
	}
	return record, nil
}

func (r recordRepo) UpdateData(_ context.Context, id int64, data map[string]any) (domain.Record, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record, ok := r.s.state.records[id]
	if !ok {
		return domain.Record{}, fmt.Errorf("record %d: %w", id, repository.ErrNotFound)
	}
	r.j.add(restoreRecord(record))
	record = record.WithData(data)
	r.s.state.records[id] = record
	return record, nil
}

func (r recordRepo) UpdateField(_ context.Context, id int64, update domain.FieldUpdate) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record, ok := r.s.state.records[id]
	if !ok {
		return fmt.Errorf("record %d: %w", id, repository.ErrNotFound)
	}
	updated, err := update.Apply(record)
	if err != nil {
		return err
	}
	r.j.add(restoreRecord(record))
	r.s.state.records[id] = updated
	return nil
}

func (r recordRepo) ListByDataset(_ context.Context, datasetID int64, limit int, offset int) ([]domain.Record, int, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	matched := []domain.Record{}
	for _, record := range r.s.state.records {
		if record.DatasetID == datasetID {
			matched = append(matched, record)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	total := len(matched)
	if offset >= total {
		return []domain.Record{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (r recordRepo) DeleteByDataset(_ context.Context, datasetID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var deleted int64
	for id, record := range r.s.state.records {
		if record.DatasetID == datasetID {
			delete(r.s.state.records, id)
			r.j.add(restoreRecord(record))
			deleted++
		}
	}
	return deleted, nil
}

func (r recordRepo) CountByType(_ context.Context) (map[domain.DatasetType]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	counts := emptyTypeCounts()
	for _, record := range r.s.state.records {
		if dataset, ok := r.s.state.datasets[record.DatasetID]; ok {
			counts[dataset.Type]++
		}
	}
	return counts, nil
}

type logRepo struct {
	s *shared
	j *journal
}

func (r logRepo) Record(_ context.Context, entry domain.IngestionLogEntry) error {
	if strings.TrimSpace(entry.Message) == "" {
		return fmt.Errorf("ingestion log message is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	r.s.state.logs = append(r.s.state.logs, entry)
	id := entry.ID
	r.j.add(func(st *memoryState) {
		for i, logged := range st.logs {
			if logged.ID == id {
				st.logs = append(st.logs[:i], st.logs[i+1:]...)
				return
			}
		}
	})
	return nil
}

func (r logRepo) List(_ context.Context, datasetID int64, batchID *uuid.UUID, limit int, offset int) ([]domain.IngestionLogEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	entries := []domain.IngestionLogEntry{}
	for _, entry := range r.s.state.logs {
		if entry.DatasetID != datasetID {
			continue
		}
		if batchID != nil && entry.BatchID != *batchID {
			continue
		}
		entries = append(entries, entry)
	}
	if offset >= len(entries) {
		return []domain.IngestionLogEntry{}, nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end], nil
}

func restoreRecord(previous domain.Record) func(*memoryState) {
	return func(st *memoryState) { st.records[previous.ID] = previous }
}

func emptyTypeCounts() map[domain.DatasetType]int64 {
	return map[domain.DatasetType]int64{
		domain.DatasetTypeGeneric:            0,
		domain.DatasetTypeObservation:        0,
		domain.DatasetTypeSpeciesObservation: 0,
	}
}

func stamp(created, updated *time.Time) {
	now := time.Now()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}
