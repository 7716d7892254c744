package iocli

//go:generate moq -out io_mock.go . IO

// IO терминальный ввод-вывод хостовых команд.
type IO interface {
	Println(a ...any)
	Printf(format string, a ...any)
	ReadPassword(prompt string) (string, error)
}
