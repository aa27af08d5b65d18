package definition

import (
	"strings"
	"testing"

	"github.com/shaiso/Flowplane/internal/domain"
)

func sampleDeployment() *domain.Deployment {
	return &domain.Deployment{
		FlowName:    "etl",
		Name:        "nightly",
		Description: "nightly export",
		Tags:        []string{"prod", "etl"},
		Parameters:  map[string]any{"batch_size": 500},
		Schedule: &domain.ScheduleSpec{
			Kind:     domain.ScheduleKindCron,
			CronExpr: "0 3 * * *",
			Timezone: "Europe/Moscow",
		},
		IsScheduleActive: true,
		WorkQueueName:    "prod-queue",
		StorageRef:       "s3://flows/etl",
		InfraTemplate:    map[string]any{"image": "etl:latest"},
		InfraOverrides:   map[string]any{"env.BATCH": "500"},
		ParameterSchema:  map[string]any{"batch_size": "integer"},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	doc := FromDeployment(sampleDeployment())

	data, err := Encode(doc)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	d := got.ToDeployment()
	if d.FlowName != "etl" || d.Name != "nightly" {
		t.Errorf("identity lost: flow=%q name=%q", d.FlowName, d.Name)
	}
	if !d.IsScheduleActive {
		t.Error("is_schedule_active lost")
	}
	if d.Schedule == nil || d.Schedule.Kind != domain.ScheduleKindCron || d.Schedule.CronExpr != "0 3 * * *" {
		t.Errorf("schedule lost: %+v", d.Schedule)
	}
	if d.Schedule.Timezone != "Europe/Moscow" {
		t.Errorf("timezone lost: %q", d.Schedule.Timezone)
	}
	if d.WorkQueueName != "prod-queue" {
		t.Errorf("work_queue_name lost: %q", d.WorkQueueName)
	}
	if d.StorageRef != "s3://flows/etl" {
		t.Errorf("storage_ref lost: %q", d.StorageRef)
	}
	if d.InfraTemplate["image"] != "etl:latest" {
		t.Errorf("infra_template lost: %+v", d.InfraTemplate)
	}
	if d.InfraOverrides["env.BATCH"] != "500" {
		t.Errorf("infra_overrides lost: %+v", d.InfraOverrides)
	}
	if len(d.Tags) != 2 || d.Tags[0] != "prod" {
		t.Errorf("tags lost: %v", d.Tags)
	}
}

func TestEncodeBoundaryMarker(t *testing.T) {
	data, err := Encode(FromDeployment(sampleDeployment()))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	text := string(data)
	idx := strings.Index(text, Boundary)
	if idx < 0 {
		t.Fatalf("boundary marker missing:\n%s", text)
	}

	editable, generated := text[:idx], text[idx:]
	if !strings.Contains(editable, "flow_name: etl") {
		t.Error("flow_name must be above the boundary")
	}
	if !strings.Contains(editable, "work_queue_name: prod-queue") {
		t.Error("work_queue_name must be above the boundary")
	}
	if !strings.Contains(generated, "storage_ref: s3://flows/etl") {
		t.Error("storage_ref must be below the boundary")
	}
	if !strings.Contains(generated, "infra_template:") {
		t.Error("infra_template must be below the boundary")
	}
	if strings.Contains(editable, "storage_ref") {
		t.Error("storage_ref leaked above the boundary")
	}
}

func TestDecodeHandEditedDocument(t *testing.T) {
	// Пользователь отредактировал параметры и расписание руками;
	// сгенерированная секция осталась от прошлого apply.
	text := `flow_name: etl
name: nightly
parameters:
  batch_size: 1000
schedule:
  kind: interval
  interval_sec: 3600
is_schedule_active: true

` + Boundary + `

storage_ref: s3://flows/etl
`
	doc, err := Decode([]byte(text))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if doc.Schedule == nil || doc.Schedule.Kind != domain.ScheduleKindInterval || doc.Schedule.IntervalSec != 3600 {
		t.Errorf("schedule = %+v", doc.Schedule)
	}
	if doc.Parameters["batch_size"] != 1000 {
		t.Errorf("parameters = %+v", doc.Parameters)
	}
	if doc.StorageRef != "s3://flows/etl" {
		t.Errorf("storage_ref = %q", doc.StorageRef)
	}
}

func TestDecodeRejectsEmptyAndIncomplete(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Error("empty document must be rejected")
	}
	if _, err := Decode([]byte("name: nightly\n")); err == nil {
		t.Error("missing flow_name must be rejected")
	}
	if _, err := Decode([]byte("flow_name: etl\n")); err == nil {
		t.Error("missing name must be rejected")
	}
	if _, err := Decode([]byte("{invalid")); err == nil {
		t.Error("malformed YAML must be rejected")
	}
}
