package main

import (
	"github.com/shouni/go-storybook-kit/cmd"
)

// main はアプリケーションの唯一のエントリーポイントなのだ！
// コマンドの解析と実行はすべて cmd パッケージに委ねるのだよ。
func main() {
	cmd.Execute()
}
