// Package markdown renders agent replies, which are written in Markdown, for
// chat platforms.
//
// ToHTML produces full CommonMark HTML (Matrix formatted_body). ToTelegramHTML
// walks the goldmark AST and emits only the tags Telegram's HTML parse mode
// accepts, flattening lists and headings into text.
package markdown
