// Package definition реализует YAML-документ определения deployment.
//
// Документ — файл, который пользователь редактирует локально и применяет
// через CLI (flowplane deployment apply). Редактируемая часть идёт сверху,
// сгенерированная сервером часть — ниже маркера Boundary. Маркер — это
// YAML-комментарий, поэтому декодер читает документ целиком независимо
// от его наличия.
package definition

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/Flowplane/internal/domain"
)

// Boundary — маркер границы между редактируемой и сгенерированной частями.
const Boundary = "### DO NOT EDIT BELOW THIS LINE ###"

// Document — YAML-представление определения deployment.
//
// Порядок полей соответствует порядку секций в файле: сначала
// редактируемые, затем идентификационные и служебные.
type Document struct {
	FlowName         string                `yaml:"flow_name"`
	Name             string                `yaml:"name"`
	Description      string                `yaml:"description,omitempty"`
	Tags             []string              `yaml:"tags,omitempty"`
	Parameters       map[string]any        `yaml:"parameters,omitempty"`
	Schedule         *domain.ScheduleSpec `yaml:"schedule,omitempty"`
	IsScheduleActive bool                  `yaml:"is_schedule_active"`
	WorkQueueName    string                `yaml:"work_queue_name,omitempty"`
	InfraOverrides   map[string]any        `yaml:"infra_overrides,omitempty"`

	// Сгенерированная часть. Заполняется сервером, при apply
	// передаётся как есть.
	ParameterSchema map[string]any `yaml:"parameter_schema,omitempty"`
	StorageRef      string         `yaml:"storage_ref,omitempty"`
	InfraTemplate   map[string]any `yaml:"infra_template,omitempty"`
	Timestamp       *time.Time     `yaml:"timestamp,omitempty"`
}

// editablePart — секция документа выше маркера Boundary.
type editablePart struct {
	FlowName         string               `yaml:"flow_name"`
	Name             string               `yaml:"name"`
	Description      string               `yaml:"description,omitempty"`
	Tags             []string             `yaml:"tags,omitempty"`
	Parameters       map[string]any       `yaml:"parameters,omitempty"`
	Schedule         *domain.ScheduleSpec `yaml:"schedule,omitempty"`
	IsScheduleActive bool                 `yaml:"is_schedule_active"`
	WorkQueueName    string               `yaml:"work_queue_name,omitempty"`
	InfraOverrides   map[string]any       `yaml:"infra_overrides,omitempty"`
}

// generatedPart — секция документа ниже маркера Boundary.
type generatedPart struct {
	ParameterSchema map[string]any `yaml:"parameter_schema,omitempty"`
	StorageRef      string         `yaml:"storage_ref,omitempty"`
	InfraTemplate   map[string]any `yaml:"infra_template,omitempty"`
	Timestamp       *time.Time     `yaml:"timestamp,omitempty"`
}

// FromDeployment строит документ из deployment.
func FromDeployment(d *domain.Deployment) Document {
	now := time.Now().UTC().Truncate(time.Second)
	return Document{
		FlowName:         d.FlowName,
		Name:             d.Name,
		Description:      d.Description,
		Tags:             d.Tags,
		Parameters:       d.Parameters,
		Schedule:         d.Schedule,
		IsScheduleActive: d.IsScheduleActive,
		WorkQueueName:    d.WorkQueueName,
		InfraOverrides:   d.InfraOverrides,
		ParameterSchema:  d.ParameterSchema,
		StorageRef:       d.StorageRef,
		InfraTemplate:    d.InfraTemplate,
		Timestamp:        &now,
	}
}

// ToDeployment строит deployment из документа.
func (doc Document) ToDeployment() *domain.Deployment {
	return &domain.Deployment{
		FlowName:         doc.FlowName,
		Name:             doc.Name,
		Description:      doc.Description,
		Tags:             doc.Tags,
		Parameters:       doc.Parameters,
		Schedule:         doc.Schedule,
		IsScheduleActive: doc.IsScheduleActive,
		WorkQueueName:    doc.WorkQueueName,
		InfraOverrides:   doc.InfraOverrides,
		ParameterSchema:  doc.ParameterSchema,
		StorageRef:       doc.StorageRef,
		InfraTemplate:    doc.InfraTemplate,
	}
}

// Encode сериализует документ: редактируемая часть, маркер Boundary,
// сгенерированная часть.
func Encode(doc Document) ([]byte, error) {
	var buf bytes.Buffer

	editable := editablePart{
		FlowName:         doc.FlowName,
		Name:             doc.Name,
		Description:      doc.Description,
		Tags:             doc.Tags,
		Parameters:       doc.Parameters,
		Schedule:         doc.Schedule,
		IsScheduleActive: doc.IsScheduleActive,
		WorkQueueName:    doc.WorkQueueName,
		InfraOverrides:   doc.InfraOverrides,
	}
	generated := generatedPart{
		ParameterSchema: doc.ParameterSchema,
		StorageRef:      doc.StorageRef,
		InfraTemplate:   doc.InfraTemplate,
		Timestamp:       doc.Timestamp,
	}

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(editable); err != nil {
		return nil, fmt.Errorf("definition: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("definition: encode: %w", err)
	}

	buf.WriteString("\n" + Boundary + "\n\n")

	enc = yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(generated); err != nil {
		return nil, fmt.Errorf("definition: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("definition: encode: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode разбирает документ из YAML. Обе части документа читаются
// одним проходом: маркер Boundary — комментарий и не влияет на разбор,
// а разделитель документов "---" после редактируемой части склеивается.
func Decode(data []byte) (Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Document{}, fmt.Errorf("definition: document is empty")
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var part Document
		if err := dec.Decode(&part); err != nil {
			if err == io.EOF {
				break
			}
			return Document{}, fmt.Errorf("definition: decode: %w", err)
		}
		merge(&doc, part)
	}

	if doc.FlowName == "" {
		return Document{}, fmt.Errorf("definition: flow_name is required")
	}
	if doc.Name == "" {
		return Document{}, fmt.Errorf("definition: name is required")
	}
	return doc, nil
}

// merge накладывает непустые поля part на doc.
func merge(doc *Document, part Document) {
	if part.FlowName != "" {
		doc.FlowName = part.FlowName
	}
	if part.Name != "" {
		doc.Name = part.Name
	}
	if part.Description != "" {
		doc.Description = part.Description
	}
	if part.Tags != nil {
		doc.Tags = part.Tags
	}
	if part.Parameters != nil {
		doc.Parameters = part.Parameters
	}
	if part.Schedule != nil {
		doc.Schedule = part.Schedule
	}
	if part.IsScheduleActive {
		doc.IsScheduleActive = true
	}
	if part.WorkQueueName != "" {
		doc.WorkQueueName = part.WorkQueueName
	}
	if part.InfraOverrides != nil {
		doc.InfraOverrides = part.InfraOverrides
	}
	if part.ParameterSchema != nil {
		doc.ParameterSchema = part.ParameterSchema
	}
	if part.StorageRef != "" {
		doc.StorageRef = part.StorageRef
	}
	if part.InfraTemplate != nil {
		doc.InfraTemplate = part.InfraTemplate
	}
	if part.Timestamp != nil {
		doc.Timestamp = part.Timestamp
	}
}

// LoadFile читает и разбирает документ из файла.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("definition: read %s: %w", path, err)
	}
	doc, err := Decode(data)
	if err != nil {
		return Document{}, fmt.Errorf("definition: %s: %w", path, err)
	}
	return doc, nil
}

// WriteFile сериализует документ и записывает его в файл.
func WriteFile(path string, doc Document) error {
	data, err := Encode(doc)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("definition: write %s: %w", path, err)
	}
	return nil
}
