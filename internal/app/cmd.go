package app

import (
	"fmt"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーを起動する。JOB_WORKERS>0ならジョブエンジンも同居させる。
	CommandServe Command = "serve"
	// CommandWorker はジョブエンジンとセッションクリーンアップのみを起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマを最新化する。"migrate down [N]"でロールバックする。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はdistroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示する。
	CommandHelp Command = "help"
)

var commands = map[string]Command{
	"serve":       CommandServe,
	"worker":      CommandWorker,
	"migrate":     CommandMigrate,
	"healthcheck": CommandHealthcheck,
	"help":        CommandHelp,
	"-h":          CommandHelp,
	"--help":      CommandHelp,
}

// ParseCommand はコマンドライン引数の先頭からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}

// PrintUsage はサブコマンドの一覧をwに書き出す。
func PrintUsage(w io.Writer) {
	fmt.Fprint(w, `usage: navportal [command]

commands:
  serve              start the API server (default)
  worker             run the download job engine and session cleanup
  migrate [down N]   apply database migrations, or roll back N steps
  healthcheck        probe the local /health endpoint
`)
}
