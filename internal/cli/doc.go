// Package cli реализует инструмент командной строки Flowplane.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Flowplane API.
// Работает через HTTP (internal/client) и не импортирует серверные
// пакеты системы. CLI используется для управления deployments,
// work queues, runs и просмотра агентов.
//
// # Ключевые компоненты
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON (json.MarshalIndent) — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: flowplane run list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - deployment: list, apply, show, delete, run, set-schedule
//   - queue: list, create, show, pause, resume, delete
//   - run: list, show, cancel
//   - agent: list
//
// Каждая группа создаётся через фабричную функцию (NewDeploymentCmd
// и т.д.), принимающую clientFn и outputFn — замыкания для ленивого
// создания Client и Output после парсинга PersistentFlags.
//
// Команда deployment apply принимает YAML-документ определения
// (internal/definition): секция выше маркера "DO NOT EDIT" редактируется
// пользователем, секция ниже возвращается сервером при --save.
package cli
