package agent

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"

	"log/slog"
)

// Ошибки launcher и fetcher.
var (
	// ErrNoCommand — инфраструктурный документ не содержит команды запуска.
	ErrNoCommand = errors.New("infrastructure document has no command")

	// ErrStorageScheme — схема storage ref не поддерживается.
	ErrStorageScheme = errors.New("unsupported storage scheme")
)

// LaunchSpec — всё, что нужно для запуска одного run.
type LaunchSpec struct {
	// RunID — идентификатор run. Передаётся процессу
	// через FLOWPLANE_RUN_ID.
	RunID string

	// FlowID — идентификатор flow.
	FlowID string

	// Parameters — параметры run.
	Parameters map[string]any

	// Infra — разрешённый инфраструктурный документ.
	Infra map[string]any

	// SourcePath — локальный путь к исходникам flow
	// (пустой, если у deployment нет storage ref).
	SourcePath string
}

// Launcher запускает инфраструктуру для run и блокируется до её
// завершения. Err == nil означает успешное выполнение run.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) error
}

// SourceFetcher получает исходники flow по opaque-ссылке и возвращает
// локальный путь к ним.
type SourceFetcher interface {
	Fetch(ctx context.Context, storageRef string) (string, error)
}

// ProcessLauncher запускает run как локальный процесс.
//
// Команда и окружение берутся из инфраструктурного документа:
//
//	command: ["python", "flow.py"]   # или строка "python flow.py"
//	env:     {MY_VAR: value}
//	workdir: /opt/flows              # опционально; default — SourcePath
//
// Идентификаторы run передаются процессу через переменные
// FLOWPLANE_RUN_ID и FLOWPLANE_FLOW_ID.
type ProcessLauncher struct {
	Logger *slog.Logger
}

// Launch запускает процесс и ждёт его завершения.
func (l *ProcessLauncher) Launch(ctx context.Context, spec LaunchSpec) error {
	argv, err := commandFromInfra(spec.Infra)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if wd, ok := spec.Infra["workdir"].(string); ok && wd != "" {
		cmd.Dir = wd
	} else if spec.SourcePath != "" {
		cmd.Dir = spec.SourcePath
	}

	cmd.Env = append(os.Environ(),
		"FLOWPLANE_RUN_ID="+spec.RunID,
		"FLOWPLANE_FLOW_ID="+spec.FlowID,
	)
	cmd.Env = append(cmd.Env, envFromInfra(spec.Infra)...)

	if l.Logger != nil {
		l.Logger.Debug("launching process", "run_id", spec.RunID, "command", argv)
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("process exited: %w", err)
	}
	return nil
}

// commandFromInfra извлекает argv из инфраструктурного документа.
// Принимает и список, и строку (разбивается по пробелам).
func commandFromInfra(infra map[string]any) ([]string, error) {
	raw, ok := infra["command"]
	if !ok {
		return nil, ErrNoCommand
	}

	switch v := raw.(type) {
	case string:
		argv := strings.Fields(v)
		if len(argv) == 0 {
			return nil, ErrNoCommand
		}
		return argv, nil
	case []string:
		if len(v) == 0 {
			return nil, ErrNoCommand
		}
		return v, nil
	case []any:
		argv := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: command element %v is not a string", ErrNoCommand, item)
			}
			argv = append(argv, s)
		}
		if len(argv) == 0 {
			return nil, ErrNoCommand
		}
		return argv, nil
	default:
		return nil, fmt.Errorf("%w: command has type %T", ErrNoCommand, raw)
	}
}

// envFromInfra извлекает дополнительное окружение из документа.
// Порядок детерминирован для воспроизводимости запусков.
func envFromInfra(infra map[string]any) []string {
	raw, ok := infra["env"].(map[string]any)
	if !ok {
		return nil
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%v", k, raw[k]))
	}
	return env
}

// LocalFetcher разрешает storage refs локальной файловой системы.
//
// Поддерживает прямые пути и схему file://. Получение исходников из
// удалённых хранилищ — забота реализации SourceFetcher, подключаемой
// при сборке агента.
type LocalFetcher struct{}

// Fetch возвращает локальный путь к исходникам.
func (f *LocalFetcher) Fetch(_ context.Context, storageRef string) (string, error) {
	path := storageRef
	if strings.Contains(storageRef, "://") {
		u, err := url.Parse(storageRef)
		if err != nil {
			return "", fmt.Errorf("parse storage ref %q: %w", storageRef, err)
		}
		if u.Scheme != "file" {
			return "", fmt.Errorf("%w: %s", ErrStorageScheme, u.Scheme)
		}
		path = u.Path
	}

	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("storage path %s: %w", path, err)
	}
	return path, nil
}
