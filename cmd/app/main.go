package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	microscope "github.com/iwtcode/microscopeAdapter"
	"github.com/joho/godotenv"
)

func main() {
	// 1) Загрузка конфигурации
	err := godotenv.Load("./.env")
	if err != nil {
		log.Printf("Warning: Could not load .env file. Using default values or environment variables: %v", err)
	}

	cfg := microscope.Load()
	log.Printf("Конфигурация загружена: устройства=%s, скорость=%d, симуляция=%t", cfg.DevicesFile, cfg.SerialBaud, cfg.Simulate)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2) Подключение и инициализация устройств
	client, err := microscope.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Ошибка инициализации устройств: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("Ошибка при закрытии устройств: %v", err)
		}
	}()

	for _, d := range client.Devices() {
		printAsJSON(d.Name(), d.Properties().Values())
	}

	// 3) Разовая сводка или периодический опрос до сигнала остановки
	if cfg.PollIntervalMs == 0 {
		snap, err := client.GetCurrentData()
		if err != nil {
			log.Printf("Ошибка сбора данных: %v", err)
			return
		}
		printAsJSON("Snapshot", snap)
		return
	}

	for res := range client.StartPolling(ctx, time.Duration(cfg.PollIntervalMs)*time.Millisecond) {
		if res.Err != nil {
			log.Printf("Ошибка опроса: %v", res.Err)
			continue
		}
		printAsJSON("Snapshot", res.Data)
	}
	log.Println("Опрос остановлен.")
}

// printAsJSON форматирует данные в JSON и выводит в лог
func printAsJSON(name string, data interface{}) {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		log.Printf("Ошибка маршалинга JSON для %s: %v", name, err)
		return
	}
	fmt.Printf("--- %s ---\n%s\n", name, string(jsonData))
}
