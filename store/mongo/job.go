package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/id"
	"github.com/clipforge/pipeline/job"
)

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, r *job.Record) error {
	m := toJobModel(r)
	if _, err := s.db.Collection(colJobs).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return pipeline.ErrJobAlreadyExists
		}
		return fmt.Errorf("pipeline/mongo: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	var m jobModel
	err := s.db.Collection(colJobs).
		FindOne(ctx, bson.M{"_id": jobID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, pipeline.ErrJobNotFound
		}
		return nil, fmt.Errorf("pipeline/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// UpdateJob persists changes to an existing job record. The logs array
// is owned by AppendLog, so the update never touches it.
func (s *Store) UpdateJob(ctx context.Context, r *job.Record) error {
	m := toJobModel(r)
	m.UpdatedAt = now()

	update := bson.M{"$set": bson.M{
		"project_id":   m.ProjectID,
		"name":         m.Name,
		"payload":      m.Payload,
		"status":       m.Status,
		"progress":     m.Progress,
		"message":      m.Message,
		"result":       m.Result,
		"error":        m.Error,
		"attempts":     m.Attempts,
		"max_attempts": m.MaxAttempts,
		"retry_delay":  m.RetryDelay,
		"worker_id":    m.WorkerID,
		"metadata":     m.Metadata,
		"enqueued_at":  m.EnqueuedAt,
		"started_at":   m.StartedAt,
		"finished_at":  m.FinishedAt,
		"updated_at":   m.UpdatedAt,
	}}

	res, err := s.db.Collection(colJobs).UpdateOne(ctx, bson.M{"_id": m.ID}, update)
	if err != nil {
		return fmt.Errorf("pipeline/mongo: update job: %w", err)
	}
	if res.MatchedCount == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID. Logs live on the document, so they go
// with it.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.Collection(colJobs).DeleteOne(ctx, bson.M{"_id": jobID.String()})
	if err != nil {
		return fmt.Errorf("pipeline/mongo: delete job: %w", err)
	}
	if res.DeletedCount == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Record, error) {
	filter := bson.M{}
	if opts.ProjectID != "" {
		filter["project_id"] = opts.ProjectID
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetProjection(bson.M{"logs": 0})
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		findOpts = findOpts.SetSkip(int64(opts.Offset))
	}

	cur, err := s.db.Collection(colJobs).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("pipeline/mongo: list jobs: %w", err)
	}
	defer cur.Close(ctx) //nolint:errcheck // read-only cursor

	var records []*job.Record
	for cur.Next(ctx) {
		var m jobModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("pipeline/mongo: decode job: %w", err)
		}
		r, convErr := fromJobModel(&m)
		if convErr != nil {
			return nil, convErr
		}
		records = append(records, r)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("pipeline/mongo: iterate jobs: %w", err)
	}
	return records, nil
}

// AppendLog pushes a log entry onto the job document's logs array.
func (s *Store) AppendLog(ctx context.Context, jobID id.JobID, entry job.LogEntry) error {
	update := bson.M{"$push": bson.M{"logs": toLogModel(entry)}}
	res, err := s.db.Collection(colJobs).UpdateOne(ctx, bson.M{"_id": jobID.String()}, update)
	if err != nil {
		return fmt.Errorf("pipeline/mongo: append log: %w", err)
	}
	if res.MatchedCount == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// GetLogs returns the job's log entries in append order.
func (s *Store) GetLogs(ctx context.Context, jobID id.JobID) ([]job.LogEntry, error) {
	var m jobModel
	err := s.db.Collection(colJobs).
		FindOne(ctx, bson.M{"_id": jobID.String()},
			options.FindOne().SetProjection(bson.M{"logs": 1})).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, pipeline.ErrJobNotFound
		}
		return nil, fmt.Errorf("pipeline/mongo: get logs: %w", err)
	}
	return fromLogModels(m.Logs), nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	filter := bson.M{}
	if opts.ProjectID != "" {
		filter["project_id"] = opts.ProjectID
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	count, err := s.db.Collection(colJobs).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("pipeline/mongo: count jobs: %w", err)
	}
	return count, nil
}
