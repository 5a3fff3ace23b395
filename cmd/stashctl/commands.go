package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stashresearch/server/internal/checksum"
	"github.com/stashresearch/server/internal/models"
)

func newRegisterCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "register <username> <password>",
		Short: "Зарегистрировать пользователя",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().Register(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(opts.stdout, okStyle.Render("Пользователь зарегистрирован"))
			return nil
		},
	}
}

func newLoginCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "login <username> <password>",
		Short: "Войти и вывести токен для " + envToken,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := opts.client().Login(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(opts.stdout, "export %s=%s\n", envToken, token)
			return nil
		},
	}
}

func newKeyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "key <public-key.asc>",
		Short: "Сохранить публичный PGP-ключ для шифруемых колонок",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("ошибка чтения ключа: %w", err)
			}
			if err = opts.client().SetPublicKey(cmd.Context(), string(data)); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(opts.stdout, okStyle.Render("Ключ сохранен"))
			return nil
		},
	}
}

func newCreateCommand(opts *options) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Создать источник данных",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := opts.client().CreateDataSource(cmd.Context(), args[0], provider)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(opts.stdout, "%s %d\n", okStyle.Render("Источник создан:"), ds.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "upload", "Поставщик данных")
	return cmd
}

func newListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Список источников данных",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := opts.client().ListDataSources(cmd.Context())
			if err != nil {
				return err
			}
			printDataSources(opts.stdout, list)
			return nil
		},
	}
}

func newShowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Показать источник и его колонки",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ds, err := opts.client().GetDataSource(cmd.Context(), id)
			if err != nil {
				return err
			}
			printDataSource(opts.stdout, ds)
			return nil
		},
	}
}

func newSetupCommand(opts *options) *cobra.Command {
	var key string
	var omit, encrypt []string
	cmd := &cobra.Command{
		Use:   "setup <id>",
		Short: "Назначить роли колонок (ключ, опущенные, шифруемые) по именам",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c := opts.client()
			ds, err := c.GetDataSource(cmd.Context(), id)
			if err != nil {
				return err
			}
			req, err := setupRequest(ds.ColumnDetails, key, omit, encrypt)
			if err != nil {
				return err
			}
			columns, err := c.Setup(cmd.Context(), id, req)
			if err != nil {
				return err
			}
			printColumns(opts.stdout, columns)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "Колонка-ключ")
	cmd.Flags().StringSliceVar(&omit, "omit", nil, "Колонки, значения которых не сохраняются")
	cmd.Flags().StringSliceVar(&encrypt, "encrypt", nil, "Колонки, значения которых шифруются")
	return cmd
}

func newColumnsCommand(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "columns <id> <file.csv>",
		Short: "Сменить структуру колонок по заголовку CSV (переименования - по контрольным суммам)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			upload, err := readCSV(args[1])
			if err != nil {
				return err
			}
			req := models.ColumnsRequest{
				ColumnNames: upload.ColumnNames,
				Data:        upload.Data,
				Checksum:    upload.Checksum,
			}
			mappings, err := opts.client().ChangeColumns(cmd.Context(), id, req, dryRun)
			if err != nil {
				return err
			}
			printMappings(opts.stdout, mappings, dryRun)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Только показать сопоставление")
	return cmd
}

func newUploadCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <id> <file.csv>",
		Short: "Загрузить снимок из CSV (первая строка - заголовок)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req, err := readCSV(args[1])
			if err != nil {
				return err
			}
			result, err := opts.client().Upload(cmd.Context(), id, req)
			if err != nil {
				return err
			}
			printUploadResult(opts.stdout, result)
			return nil
		},
	}
}

func newCSVCommand(opts *options) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "csv <id>",
		Short: "Выгрузить текущий снимок в CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			w := opts.stdout
			if output != "" {
				f, createErr := os.Create(output)
				if createErr != nil {
					return fmt.Errorf("ошибка создания файла: %w", createErr)
				}
				defer f.Close()
				w = f
			}
			return opts.client().CSV(cmd.Context(), id, w)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Файл для записи (по умолчанию stdout)")
	return cmd
}

func newHistoryCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "История изменений источника",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			history, err := opts.client().History(cmd.Context(), id)
			if err != nil {
				return err
			}
			printHistory(opts.stdout, history)
			return nil
		},
	}
}

func newDiffCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <id> <diff-id>",
		Short: "Показать одну запись о различиях",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			diffID, err := parseID(args[1])
			if err != nil {
				return err
			}
			diff, err := opts.client().Diff(cmd.Context(), id, diffID)
			if err != nil {
				return err
			}
			printDiff(opts.stdout, diff)
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("неверный ID: %q", s)
	}
	return id, nil
}

// readCSV читает CSV-файл и считает контрольные суммы по исходным значениям.
func readCSV(path string) (models.UploadRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.UploadRequest{}, fmt.Errorf("ошибка открытия файла: %w", err)
	}
	defer f.Close()
	return parseCSV(f, filepath.Base(path))
}

func parseCSV(r io.Reader, sourceName string) (models.UploadRequest, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return models.UploadRequest{}, fmt.Errorf("ошибка разбора CSV: %w", err)
	}
	if len(records) == 0 {
		return models.UploadRequest{}, errors.New("CSV не содержит заголовка")
	}

	req := models.UploadRequest{
		ColumnNames: records[0],
		Data:        records[1:],
		Checksum:    make([][]string, 0, len(records)-1),
		SourceName:  sourceName,
	}
	for _, row := range req.Data {
		sums := make([]string, len(row))
		for i, value := range row {
			sums[i] = checksum.Of(value)
		}
		req.Checksum = append(req.Checksum, sums)
	}
	return req, nil
}

// setupRequest переводит имена колонок в ID.
func setupRequest(columns []models.Column, key string, omit, encrypt []string) (models.SetupRequest, error) {
	byName := make(map[string]int64, len(columns))
	for _, c := range columns {
		byName[c.Name] = c.ID
	}
	lookup := func(name string) (int64, error) {
		id, ok := byName[name]
		if !ok {
			return 0, fmt.Errorf("колонка %q не найдена", name)
		}
		return id, nil
	}

	var req models.SetupRequest
	if key != "" {
		id, err := lookup(key)
		if err != nil {
			return req, err
		}
		req.Key = &id
	}
	for _, name := range omit {
		id, err := lookup(name)
		if err != nil {
			return req, err
		}
		req.Omit = append(req.Omit, id)
	}
	for _, name := range encrypt {
		id, err := lookup(name)
		if err != nil {
			return req, err
		}
		req.Encrypt = append(req.Encrypt, id)
	}
	return req, nil
}
