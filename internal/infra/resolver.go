package infra

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки резолвера.
var (
	// ErrMergeConflict — dot-путь упирается в не-объект на промежуточном узле.
	ErrMergeConflict = errors.New("override path conflicts with non-object value")

	// ErrEmptyPath — пустой dot-путь или пустой сегмент пути.
	ErrEmptyPath = errors.New("empty override path")
)

// Resolve сливает overrides в шаблон инфраструктурного документа.
//
// Overrides — отображение dot-путей на значения: "env.MY_VAR" → "value".
// Отсутствующие промежуточные узлы создаются; путь, конфликтующий
// с не-объектным значением на промежуточной позиции, — ошибка слияния.
//
// Шаблон не мутируется: результат — независимая глубокая копия.
// Результат передаётся внешнему launcher как opaque-документ,
// сам резолвер ничего не исполняет.
func Resolve(template map[string]any, overrides map[string]any) (map[string]any, error) {
	doc := deepCopy(template)
	if doc == nil {
		doc = make(map[string]any)
	}

	for path, value := range overrides {
		if err := applyOverride(doc, path, value); err != nil {
			return nil, err
		}
	}

	return doc, nil
}

// applyOverride устанавливает значение по dot-пути, создавая промежуточные узлы.
func applyOverride(doc map[string]any, path string, value any) error {
	if path == "" {
		return ErrEmptyPath
	}

	fields := strings.Split(path, ".")
	node := doc

	for _, field := range fields[:len(fields)-1] {
		if field == "" {
			return fmt.Errorf("%w: %q", ErrEmptyPath, path)
		}

		child, ok := node[field]
		if !ok || child == nil {
			// Промежуточного узла нет — создаём.
			next := make(map[string]any)
			node[field] = next
			node = next
			continue
		}

		next, ok := child.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %q at segment %q (%T)", ErrMergeConflict, path, field, child)
		}
		node = next
	}

	last := fields[len(fields)-1]
	if last == "" {
		return fmt.Errorf("%w: %q", ErrEmptyPath, path)
	}
	node[last] = value
	return nil
}

// deepCopy делает глубокую копию документа.
// Копируются только map/slice контейнеры, листовые значения разделяются.
func deepCopy(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}

	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopy(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
