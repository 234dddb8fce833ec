package service

import (
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/crosspost-io/crosspost/internal/models"
)

type MonitoringService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewMonitoringService(db *gorm.DB, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{
		db:     db,
		logger: logger,
	}
}

// ErrorLogOption customizes a recorded error entry.
type ErrorLogOption func(*models.ErrorLog)

func WithPlatform(platform string) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.Platform = platform
	}
}

func WithPost(postID uint) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PostID = &postID
	}
}

// RecordError persists an operational error so it stays visible outside of
// log files.
func (m *MonitoringService) RecordError(level, source, title, message string, options ...ErrorLogOption) {
	entry := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}

	for _, option := range options {
		option(entry)
	}

	if err := m.db.Create(entry).Error; err != nil {
		m.logger.Error("Failed to record error log", zap.Error(err))
	}
}

// MetricOption customizes a recorded metric entry.
type MetricOption func(*models.PublishMetric)

func MetricPlatform(platform string) MetricOption {
	return func(p *models.PublishMetric) {
		p.Platform = platform
	}
}

func MetricPost(postID uint) MetricOption {
	return func(p *models.PublishMetric) {
		p.PostID = &postID
	}
}

// RecordMetric persists a counter-style metric sample.
func (m *MonitoringService) RecordMetric(name string, value float64, options ...MetricOption) {
	metric := &models.PublishMetric{
		Name:  name,
		Value: value,
	}

	for _, option := range options {
		option(metric)
	}

	if err := m.db.Create(metric).Error; err != nil {
		m.logger.Error("Failed to record metric", zap.String("name", name), zap.Error(err))
	}
}
