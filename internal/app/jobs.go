package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/partydesk/partydesk/internal/domain"
	"github.com/partydesk/partydesk/pkg/metrics"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
		go a.SchedProcessMonitorTask()
		go a.SchedSessionGaugeTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	// Session leases expire at LeaseTTL; renew at roughly half that.
	_, err = a.sched.AddFunc("@every 20s", func() {
		a.SchedLeaseRenewTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	sweep := a.ConfigMgr().GetInt("whatsapp", "MigrateSweepMinutes")
	if sweep < 1 {
		sweep = 10
	}
	_, err = a.sched.AddFunc(fmt.Sprintf("@every %dm", sweep), func() {
		a.SchedThreadMigrateTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		a.SchedClearExpireData()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSystemMonitorTask system monitor
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	// Collect CPU usage
	_cpuuse, err := cpu.Percent(0, false)
	if err == nil && len(_cpuuse) > 0 {
		metrics.SetGauge("system_cpuuse", int64(_cpuuse[0]*100)) // Store as percentage * 100
	}

	// Collect memory usage
	_meminfo, err := mem.VirtualMemory()
	if err == nil {
		metrics.SetGauge("system_memuse", int64(_meminfo.Used/1024/1024)) //nolint:gosec // G115: memory MB value fits in int64
	}
}

// SchedProcessMonitorTask app process monitor
func (a *Application) SchedProcessMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	p, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // G115: PID is always within int32 range
	if err != nil {
		return
	}

	// Collect process CPU usage
	cpuuse, err := p.CPUPercent()
	if err == nil {
		metrics.SetGauge("partydesk_cpuuse", int64(cpuuse*100)) // Store as percentage * 100
	}

	// Collect process memory usage
	meminfo, err := p.MemoryInfo()
	if err == nil {
		metrics.SetGauge("partydesk_memuse", int64(meminfo.RSS/1024/1024)) //nolint:gosec // G115: memory MB value fits in int64
	}
}

// SchedSessionGaugeTask records how many supervised sessions are online.
func (a *Application) SchedSessionGaugeTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	if a.supervisor == nil {
		return
	}
	metrics.SetGauge("wa_connected_accounts", int64(a.supervisor.ConnectedCount()))
}

// SchedLeaseRenewTask extends the session leases this process holds.
func (a *Application) SchedLeaseRenewTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	if a.supervisor == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.supervisor.RenewLeases(ctx)
}

// SchedThreadMigrateTask sweeps linked-identifier threads that have since
// become resolvable and merges them into their canonical phone threads.
func (a *Application) SchedThreadMigrateTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	if a.supervisor == nil {
		return
	}
	var accounts []domain.WaAccount
	if err := a.gormDB.Where("status = ?", domain.AccountConnected).Find(&accounts).Error; err != nil {
		zap.L().Error("thread migrate sweep: list accounts failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, acct := range accounts {
		a.supervisor.MigrateResolvedThreads(ctx, acct.ID)
	}
}

func (a *Application) SchedClearExpireData() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	oprDays := a.ConfigMgr().GetInt("ops", "OprLogRetentionDays")
	if oprDays == 0 {
		oprDays = 365
	}
	a.gormDB.
		Where("opt_time < ? ", time.Now().
			Add(-time.Hour*24*time.Duration(oprDays))).Delete(domain.SysOprLog{})

	// Stale health votes outside any plausible window
	a.gormDB.Where("voted_at < ?", time.Now().Add(-time.Hour)).Delete(domain.HealthVote{})

	if a.incidents != nil {
		incidentDays := a.ConfigMgr().GetInt("ops", "IncidentRetentionDays")
		if incidentDays == 0 {
			incidentDays = 90
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		a.incidents.PruneClosed(ctx, time.Hour*24*time.Duration(incidentDays))
	}
}
