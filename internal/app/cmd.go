package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はHTTPサーバーとスケジューラを同一プロセスで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はスケジューラのみで起動することを示す。/healthと/metricsは公開する。
	CommandWorker Command = "worker"
	// CommandOnce はティックを1回だけ実行して終了することを示す。
	CommandOnce Command = "once"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	// "migrate down" で1ステップ戻す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "once":
		return CommandOnce
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// isRollback はmigrateサブコマンドの引数がロールバック指定かを返す。
func isRollback(args []string) bool {
	return len(args) > 1 && args[0] == "migrate" && args[1] == "down"
}
