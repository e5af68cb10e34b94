package scheduler

import (
	"fmt"
	"time"

	"campaignmailer/internal/ingest"
	"campaignmailer/internal/model"
)

// JobID 发送任务 id：同一 campaign 的第 i 个收件人总是得到同一个 id。
// 序号补零，到期时间相同的任务在 zset 中按 id 排序时仍保持文件顺序。
func JobID(campaignID string, index int) string {
	return fmt.Sprintf("%s:%08d", campaignID, index)
}

// BuildSendJobs 为每个收件人生成一个发送任务。
// 第 i 个收件人的目标时间为 start + i*spacing，早于 now 的按 now 处理（立即到期）。
func BuildSendJobs(c *model.Campaign, rows []model.Row, subject, body string, spacing time.Duration, now time.Time) []model.SendJob {
	jobs := make([]model.SendJob, 0, len(rows))
	for _, row := range rows {
		if row.Email() == "" {
			continue
		}
		at := c.StartTime.Add(time.Duration(len(jobs)) * spacing)
		if at.Before(now) {
			at = now
		}
		jobs = append(jobs, model.SendJob{
			CampaignID:    c.ID,
			UserID:        c.UserID,
			Recipient:     row,
			AttachmentIDs: c.AttachmentIDs,
			Subject:       ingest.Fill(subject, row),
			Body:          ingest.Fill(body, row),
			SendAt:        at,
		})
	}
	return jobs
}
