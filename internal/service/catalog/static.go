package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/vladislavdragonenkov/coursesales/internal/domain"
)

// StaticCatalog — каталог в памяти для локального запуска и тестов.
type StaticCatalog struct {
	mu      sync.RWMutex
	courses map[string]domain.Course
}

// NewStaticCatalog создаёт каталог из переданных курсов.
func NewStaticCatalog(courses ...domain.Course) *StaticCatalog {
	c := &StaticCatalog{courses: make(map[string]domain.Course, len(courses))}
	for _, course := range courses {
		c.courses[course.ID] = course
	}
	return c
}

// LoadStaticCatalog читает JSON-массив курсов из файла.
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var dtos []courseDTO
	if err := json.Unmarshal(raw, &dtos); err != nil {
		return nil, fmt.Errorf("decode catalog file: %w", err)
	}
	c := NewStaticCatalog()
	for _, dto := range dtos {
		c.Put(dto.toDomain())
	}
	return c, nil
}

// Put добавляет или заменяет курс.
func (c *StaticCatalog) Put(course domain.Course) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.courses[course.ID] = course
}

// GetCourse возвращает снимок курса или ErrCourseNotFound.
func (c *StaticCatalog) GetCourse(_ context.Context, courseID string) (domain.Course, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	course, ok := c.courses[courseID]
	if !ok {
		return domain.Course{}, domain.ErrCourseNotFound
	}
	return course, nil
}

var _ domain.CourseCatalog = (*StaticCatalog)(nil)
